package pg

import (
	"context"
	"errors"
	"time"

	"IMCore/logger"
	"IMCore/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultMaxConns = 20
	defaultMaxRetry = 5
)

type Config struct {
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MaxRetry int    `yaml:"max_retry" mapstructure:"max_retry"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.DSN == "" {
		return errs.ErrInvalidArgument.WrapMsg("postgres dsn is required")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	return nil
}

// NewPool 建连接池并 Ping；鉴权 / 库不存在之类错误直接返回
func NewPool(ctx context.Context, conf *Config) (*pgxpool.Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	pc, err := pgxpool.ParseConfig(conf.DSN)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad postgres dsn", "err", err.Error())
	}
	pc.MaxConns = conf.MaxConns
	pc.ConnConfig.RuntimeParams["application_name"] = "IMCore"

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var pool *pgxpool.Pool
	op := func() error {
		p, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			if fatal(err) {
				return backoff.Permanent(err)
			}
			logger.Warn("postgres ping failed, retrying", zap.Error(err))
			return err
		}
		pool = p
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(conf.MaxRetry)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, errs.WrapMsg(err, "failed to connect to Postgres")
	}
	return pool, nil
}

// 28xxx 鉴权，3D000 库不存在
func fatal(err error) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == "3D000" || (len(pe.Code) == 5 && pe.Code[:2] == "28")
}
