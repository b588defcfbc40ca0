// Package nacos 远程配置（ListenConfig 热更新）与实例注册
package nacos

import (
	"net"
	"strconv"

	"IMCore/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type Config struct {
	Addrs     []string `yaml:"addrs" mapstructure:"addrs"` // host:port
	Namespace string   `yaml:"namespace" mapstructure:"namespace"`
	Group     string   `yaml:"group" mapstructure:"group"`
	DataID    string   `yaml:"data_id" mapstructure:"data_id"`
	Username  string   `yaml:"username" mapstructure:"username"`
	Password  string   `yaml:"password" mapstructure:"password"`
	TimeoutMs uint64   `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	LogLevel  string   `yaml:"log_level" mapstructure:"log_level"`
	CacheDir  string   `yaml:"cache_dir" mapstructure:"cache_dir"`
	LogDir    string   `yaml:"log_dir" mapstructure:"log_dir"`

	// ServiceName 非空时把本实例注册到 naming
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

func (c *Config) Norm() {
	if c.Namespace == "" {
		c.Namespace = "public"
	}
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
}

func (c Config) Enabled() bool { return len(c.Addrs) > 0 }

func serverConfigs(addrs []string) ([]constant.ServerConfig, error) {
	if len(addrs) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nacos addrs is required")
	}
	out := make([]constant.ServerConfig, 0, len(addrs))
	for _, a := range addrs {
		host, p, err := net.SplitHostPort(a)
		if err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("nacos addr", "addr", a, "err", err)
		}
		port, err := strconv.ParseUint(p, 10, 64)
		if err != nil || port == 0 {
			return nil, errs.ErrInvalidArgument.WrapMsg("nacos port", "addr", a)
		}
		out = append(out, *constant.NewServerConfig(host, port))
	}
	return out, nil
}

func clientConfig(c Config) *constant.ClientConfig {
	return constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(c.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(c.LogLevel),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
}

func clientParam(c Config) (vo.NacosClientParam, error) {
	c.Norm()
	sc, err := serverConfigs(c.Addrs)
	if err != nil {
		return vo.NacosClientParam{}, err
	}
	return vo.NacosClientParam{ClientConfig: clientConfig(c), ServerConfigs: sc}, nil
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	p, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewConfigClient(p)
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos config client")
	}
	return cli, nil
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	p, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewNamingClient(p)
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos naming client")
	}
	return cli, nil
}
