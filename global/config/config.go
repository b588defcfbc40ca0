// Package config 进程配置：默认值 <- YAML 文件（可多个，后者覆盖前者）<- .env / IMCORE_* 环境变量 <- nacos
package config

import (
	"os"
	"strings"
	"time"

	"IMCore/data/database/mgo/mongoutil"
	"IMCore/data/database/pg"
	"IMCore/module/message/store/sqlstore"
	"IMCore/service/event"
	"IMCore/service/gateway"
	"IMCore/service/kafka"
	"IMCore/service/nacos"
	"IMCore/service/natsx"
	"IMCore/service/storage"
	"IMCore/service/storage/redis"
	"IMCore/tools"
	"IMCore/tools/decode"
	"IMCore/tools/errs"
	"IMCore/tools/shard"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "IMCORE_"

// 存储 / 共享登记 / 总线 的驱动名
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
	DriverRedis    = "redis"
	DriverNats     = "nats"
	DriverKafka    = "kafka"
	DriverNone     = "none"
)

type AppConfig struct {
	Node      NodeConf            `yaml:"node" mapstructure:"node"`
	Log       LogConf             `yaml:"log" mapstructure:"log"`
	Shard     ShardConf           `yaml:"shard" mapstructure:"shard"`
	Store     StoreConf           `yaml:"store" mapstructure:"store"`
	Shared    SharedConf          `yaml:"shared" mapstructure:"shared"`
	Registry  RegistryConf        `yaml:"registry" mapstructure:"registry"`
	Bus       BusConf             `yaml:"bus" mapstructure:"bus"`
	Publisher event.PublisherConf `yaml:"publisher" mapstructure:"publisher"`
	HTTP      gateway.HTTPConf    `yaml:"http" mapstructure:"http"`
	Nacos     nacos.Config        `yaml:"nacos" mapstructure:"nacos"`
}

type NodeConf struct {
	Service  string `yaml:"service" mapstructure:"service"`
	Instance string `yaml:"instance" mapstructure:"instance"` // 空 => hostname
	NodeID   int64  `yaml:"node_id" mapstructure:"node_id"`   // 雪花节点号 0~1023
}

type LogConf struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

type ShardConf struct {
	Count  int    `yaml:"count" mapstructure:"count"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

type StoreConf struct {
	Driver         string           `yaml:"driver" mapstructure:"driver"`
	Mongo          mongoutil.Config `yaml:"mongo" mapstructure:"mongo"`
	Postgres       pg.Config        `yaml:"postgres" mapstructure:"postgres"`
	Sqlite         sqlstore.Config  `yaml:"sqlite" mapstructure:"sqlite"`
	MaxInsertRetry int              `yaml:"max_insert_retry" mapstructure:"max_insert_retry"`
	DefaultLimit   int              `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit       int              `yaml:"max_limit" mapstructure:"max_limit"`
}

type SharedConf struct {
	Driver  string                `yaml:"driver" mapstructure:"driver"`
	Redis   redis.Config          `yaml:"redis" mapstructure:"redis"`
	Breaker storage.BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

type RegistryConf struct {
	MaxPerUser       int           `yaml:"max_per_user" mapstructure:"max_per_user"`
	MaxTotal         int           `yaml:"max_total" mapstructure:"max_total"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	SweepEvery       time.Duration `yaml:"sweep_every" mapstructure:"sweep_every"`
	SharedTTL        time.Duration `yaml:"shared_ttl" mapstructure:"shared_ttl"`
	SharedTimeout    time.Duration `yaml:"shared_timeout" mapstructure:"shared_timeout"`
}

type BusConf struct {
	Driver  string        `yaml:"driver" mapstructure:"driver"`
	Durable bool          `yaml:"durable" mapstructure:"durable"` // 消息事件走 PublishDurable
	IdemTTL time.Duration `yaml:"idem_ttl" mapstructure:"idem_ttl"`
	Nats    natsx.Config  `yaml:"nats" mapstructure:"nats"`
	Kafka   kafka.Config  `yaml:"kafka" mapstructure:"kafka"`
}

func Default() *AppConfig {
	return &AppConfig{
		Node:  NodeConf{Service: "imcore", NodeID: 1},
		Log:   LogConf{Level: "info"},
		Shard: ShardConf{Count: shard.DefaultCount, Prefix: shard.DefaultPrefix},
		Store: StoreConf{Driver: DriverMemory},
		Shared: SharedConf{
			Driver:  DriverMemory,
			Breaker: storage.BreakerConfig{Name: "shared-registry"},
		},
		Registry: RegistryConf{
			MaxTotal:         10000,
			HeartbeatTimeout: 60 * time.Second,
			SweepEvery:       30 * time.Second,
			SharedTTL:        storage.DefaultConnTTL,
			SharedTimeout:    500 * time.Millisecond,
		},
		Bus: BusConf{Driver: DriverNone, IdemTTL: 10 * time.Minute},
		Publisher: event.PublisherConf{
			QueueSize:     10000,
			BatchSize:     100,
			BatchInterval: time.Second,
			MaxRetries:    event.DefaultMaxRetries,
			BackoffBase:   time.Second,
			BackoffCap:    30 * time.Second,
			Workers:       4,
			Expiry:        event.DefaultExpiry,
			ShutdownGrace: 30 * time.Second,
		},
		HTTP: gateway.HTTPConf{Addr: ":8080"},
	}
}

// Load paths 逗号分隔；.env（或 IMCORE_ENV_FILE 指定的文件）存在时先载入环境变量
func Load(paths string) (*AppConfig, error) {
	envFile := tools.GetEnv(EnvPrefix+"ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errs.WrapMsg(err, "load env file", "path", envFile)
		}
	}

	c := Default()
	for _, p := range tools.SplitList(paths) {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", p)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("parse config", "path", p, "err", err)
		}
	}
	c.applyEnv()
	if err := c.Norm(); err != nil {
		return nil, err
	}
	return c, nil
}

// Merge 把一段 YAML（例如 nacos 推送的内容）叠加到 c 的副本上；没出现的键保持原值
func (c *AppConfig) Merge(content string) (*AppConfig, error) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("parse remote config", "err", err)
	}
	out := c.clone()
	if len(m) > 0 {
		if err := decode.Into(m, out, decode.WithTag("mapstructure")); err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("decode remote config", "err", err)
		}
	}
	if err := out.Norm(); err != nil {
		return nil, err
	}
	return out, nil
}

// clone 切片字段另开一份，避免 Merge 改到原配置
func (c *AppConfig) clone() *AppConfig {
	cp := *c
	cp.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	cp.Shared.Redis.Addrs = append([]string(nil), c.Shared.Redis.Addrs...)
	cp.Store.Mongo.Address = append([]string(nil), c.Store.Mongo.Address...)
	cp.Bus.Nats.Servers = append([]string(nil), c.Bus.Nats.Servers...)
	cp.Bus.Nats.StreamSubjects = append([]string(nil), c.Bus.Nats.StreamSubjects...)
	cp.Bus.Kafka.Brokers = append([]string(nil), c.Bus.Kafka.Brokers...)
	cp.Bus.Kafka.Topics = append([]string(nil), c.Bus.Kafka.Topics...)
	cp.Nacos.Addrs = append([]string(nil), c.Nacos.Addrs...)
	return &cp
}

func env(name string) string { return EnvPrefix + name }

// applyEnv 只覆盖部署时常改的键
func (c *AppConfig) applyEnv() {
	c.Node.Service = tools.GetEnv(env("NODE_SERVICE"), c.Node.Service)
	c.Node.Instance = tools.GetEnv(env("NODE_INSTANCE"), c.Node.Instance)
	c.Node.NodeID = int64(tools.GetEnvInt(env("NODE_ID"), int(c.Node.NodeID)))
	c.Log.Level = tools.GetEnv(env("LOG_LEVEL"), c.Log.Level)
	c.Log.JSON = tools.GetEnvBool(env("LOG_JSON"), c.Log.JSON)
	c.HTTP.Addr = tools.GetEnv(env("HTTP_ADDR"), c.HTTP.Addr)
	c.HTTP.AllowedOrigins = tools.GetEnvList(env("HTTP_ALLOWED_ORIGINS"), c.HTTP.AllowedOrigins)

	c.Store.Driver = tools.GetEnv(env("STORE_DRIVER"), c.Store.Driver)
	c.Store.Mongo.Uri = tools.GetEnv(env("MONGO_URI"), c.Store.Mongo.Uri)
	c.Store.Mongo.Database = tools.GetEnv(env("MONGO_DATABASE"), c.Store.Mongo.Database)
	c.Store.Postgres.DSN = tools.GetEnv(env("PG_DSN"), c.Store.Postgres.DSN)
	c.Store.Sqlite.Path = tools.GetEnv(env("SQLITE_PATH"), c.Store.Sqlite.Path)

	c.Shared.Driver = tools.GetEnv(env("SHARED_DRIVER"), c.Shared.Driver)
	c.Shared.Redis.Addrs = tools.GetEnvList(env("REDIS_ADDRS"), c.Shared.Redis.Addrs)
	c.Shared.Redis.Password = tools.GetEnv(env("REDIS_PASSWORD"), c.Shared.Redis.Password)

	c.Bus.Driver = tools.GetEnv(env("BUS_DRIVER"), c.Bus.Driver)
	c.Bus.Durable = tools.GetEnvBool(env("BUS_DURABLE"), c.Bus.Durable)
	c.Bus.Nats.Servers = tools.GetEnvList(env("NATS_SERVERS"), c.Bus.Nats.Servers)
	c.Bus.Kafka.Brokers = tools.GetEnvList(env("KAFKA_BROKERS"), c.Bus.Kafka.Brokers)

	c.Registry.MaxPerUser = tools.GetEnvInt(env("REGISTRY_MAX_PER_USER"), c.Registry.MaxPerUser)
	c.Registry.HeartbeatTimeout = tools.GetEnvDuration(env("REGISTRY_HEARTBEAT_TIMEOUT"), c.Registry.HeartbeatTimeout)

	c.Nacos.Addrs = tools.GetEnvList(env("NACOS_ADDRS"), c.Nacos.Addrs)
	c.Nacos.DataID = tools.GetEnv(env("NACOS_DATA_ID"), c.Nacos.DataID)
}

// Norm 补默认值并校验驱动名
func (c *AppConfig) Norm() error {
	if c.Node.Service == "" {
		c.Node.Service = "imcore"
	}
	if c.Node.Instance == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "imcore-local"
		}
		c.Node.Instance = h
	}
	if c.Node.NodeID < 0 || c.Node.NodeID > 1023 {
		return errs.ErrInvalidArgument.WrapMsg("node.node_id out of range", "nodeId", c.Node.NodeID)
	}
	if c.Shard.Count <= 0 {
		c.Shard.Count = shard.DefaultCount
	}
	if c.Shard.Prefix == "" {
		c.Shard.Prefix = shard.DefaultPrefix
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	c.Shared.Driver = strings.ToLower(c.Shared.Driver)
	c.Bus.Driver = strings.ToLower(c.Bus.Driver)
	if err := oneOf("store.driver", c.Store.Driver, DriverMemory, DriverMongo, DriverPostgres, DriverSqlite); err != nil {
		return err
	}
	if err := oneOf("shared.driver", c.Shared.Driver, DriverMemory, DriverRedis); err != nil {
		return err
	}
	if err := oneOf("bus.driver", c.Bus.Driver, DriverNone, DriverNats, DriverKafka); err != nil {
		return err
	}
	switch {
	case c.Store.Driver == DriverPostgres && c.Store.Postgres.DSN == "":
		return errs.ErrInvalidArgument.WrapMsg("store.postgres.dsn is required")
	case c.Store.Driver == DriverMongo && c.Store.Mongo.Uri == "" && len(c.Store.Mongo.Address) == 0:
		return errs.ErrInvalidArgument.WrapMsg("store.mongo.uri or address is required")
	case c.Shared.Driver == DriverRedis && len(c.Shared.Redis.Addrs) == 0:
		return errs.ErrInvalidArgument.WrapMsg("shared.redis.addrs is required")
	case c.Bus.Driver == DriverNats && len(c.Bus.Nats.Servers) == 0:
		return errs.ErrInvalidArgument.WrapMsg("bus.nats.servers is required")
	case c.Bus.Driver == DriverKafka && len(c.Bus.Kafka.Brokers) == 0:
		return errs.ErrInvalidArgument.WrapMsg("bus.kafka.brokers is required")
	}
	if c.Registry.MaxTotal <= 0 {
		c.Registry.MaxTotal = 10000
	}
	if c.Bus.IdemTTL <= 0 {
		c.Bus.IdemTTL = 10 * time.Minute
	}
	if c.Nacos.Enabled() {
		c.Nacos.Norm()
	}
	return nil
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return errs.ErrInvalidArgument.WrapMsg("unknown driver", "key", key, "value", v, "allowed", strings.Join(allowed, "|"))
}
