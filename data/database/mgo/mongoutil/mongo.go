package mongoutil

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri         string   `yaml:"uri" mapstructure:"uri"`
	Address     []string `yaml:"address" mapstructure:"address"`
	Database    string   `yaml:"database" mapstructure:"database"`
	Username    string   `yaml:"username" mapstructure:"username"`
	Password    string   `yaml:"password" mapstructure:"password"`
	AuthSource  string   `yaml:"auth_source" mapstructure:"auth_source"`
	MaxPoolSize int      `yaml:"max_pool_size" mapstructure:"max_pool_size"`
	MaxRetry    int      `yaml:"max_retry" mapstructure:"max_retry"`
}

// 将 Config 应用到 ClientOptions
func applyConfigToOptions(cfg *Config) (*options.ClientOptions, error) {
	var opts *options.ClientOptions

	switch {
	case cfg.Uri != "":
		// 优先使用完整 URI（可含参数 ?authSource=admin 等）
		opts = options.Client().ApplyURI(cfg.Uri)
	case len(cfg.Address) > 0:
		opts = options.Client().SetHosts(cfg.Address)
	default:
		return nil, errs.ErrInvalidArgument.WrapMsg("mongo uri or address is required")
	}

	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))

	// 单独给了用户名/密码时以代码为准覆盖 URI 中的认证
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	opts.SetRetryWrites(true)
	opts.SetServerSelectionTimeout(10 * time.Second)
	opts.SetAppName("IMCore")
	return opts, nil
}

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) GetDB() *mongo.Database { return c.db }

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.cli == nil {
		return nil
	}
	return c.cli.Disconnect(ctx)
}

// NewMongoDB 连接 + Ping，失败按指数退避重试 MaxRetry 次（鉴权类错误不重试）
func NewMongoDB(ctx context.Context, config *Config) (*Client, error) {
	if err := config.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts, err := applyConfigToOptions(config)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var cli *mongo.Client
	op := func() error {
		c, err := connectMongo(ctx, opts)
		if err != nil {
			if !shouldRetry(ctx, err) {
				return backoff.Permanent(err)
			}
			logger.Warn("mongo connect failed, retrying", zap.Error(err))
			return err
		}
		cli = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(config.MaxRetry)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, errs.WrapMsg(err, "failed to connect to MongoDB", "URI", config.Uri)
	}
	return &Client{cli: cli, db: cli.Database(config.Database)}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return cli, nil
}
