package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"IMCore/data/database/mgo/mongoutil"
	"IMCore/data/database/pg"
	"IMCore/global/config"
	"IMCore/logger"
	"IMCore/middleware"
	msgsvc "IMCore/module/message/service"
	"IMCore/module/message/store"
	"IMCore/module/message/store/mgostore"
	"IMCore/module/message/store/pgstore"
	"IMCore/module/message/store/sqlstore"
	"IMCore/service/chat"
	"IMCore/service/dispatcher"
	"IMCore/service/event"
	"IMCore/service/gateway"
	"IMCore/service/kafka"
	"IMCore/service/metrics"
	"IMCore/service/nacos"
	"IMCore/service/natsx"
	"IMCore/service/storage"
	redisx "IMCore/service/storage/redis"
	"IMCore/tools/errs"
	"IMCore/tools/shard"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// app 进程内所有组件；closers 按注册的逆序关闭
type app struct {
	conf *atomic.Pointer[config.AppConfig]
	log  *zap.Logger

	store   *store.Store
	reg     *chat.ConnManager
	pub     *event.Publisher
	bus     event.Bus
	gw      *gateway.RealtimeGateway
	http    *gateway.HTTPServer
	watcher *nacos.Watcher
	naming  *nacos.Registry

	closers []func(ctx context.Context)
}

func (a *app) onClose(f func(ctx context.Context)) { a.closers = append(a.closers, f) }

func build(ctx context.Context, conf *config.AppConfig) (a *app, err error) {
	a = &app{log: logger.Named("main"), conf: atomic.NewPointer(conf)}
	defer func() {
		if err != nil {
			a.closeAll(context.Background())
		}
	}()

	if conf, err = a.remoteConfig(conf); err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if conf.Shared.Driver == config.DriverRedis {
		if rdb, err = redisx.NewClient(ctx, conf.Shared.Redis); err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) { _ = rdb.Close() })
	}

	if err = a.buildStore(ctx, conf); err != nil {
		return nil, err
	}
	if err = a.buildBus(ctx, conf); err != nil {
		return nil, err
	}

	a.reg = chat.NewConnManager(sharedStore(conf, rdb), chat.ManagerConf{
		MaxPerUser:       conf.Registry.MaxPerUser,
		MaxTotal:         conf.Registry.MaxTotal,
		HeartbeatTimeout: conf.Registry.HeartbeatTimeout,
		SweepEvery:       conf.Registry.SweepEvery,
		SharedTTL:        conf.Registry.SharedTTL,
		SharedTimeout:    conf.Registry.SharedTimeout,
		Instance:         conf.Node.Instance,
	})

	pc := conf.Publisher
	pc.Service, pc.Instance = conf.Node.Service, conf.Node.Instance
	a.pub = event.NewPublisher(a.bus, pc)

	d := dispatcher.New()
	a.gw = gateway.New(msgsvc.New(a.store), a.reg, a.pub, gateway.Conf{
		Instance:      conf.Node.Instance,
		DurableEvents: conf.Bus.Durable,
	})
	if err = a.gw.Attach(d); err != nil {
		return nil, err
	}

	var idem dispatcher.IdemStore
	if rdb != nil {
		idem = natsx.NewRedisIdem(rdb, conf.Bus.IdemTTL)
	} else {
		mi := natsx.NewMemIdem(conf.Bus.IdemTTL, nil)
		a.onClose(func(context.Context) { mi.Close() })
		idem = mi
	}
	sub := dispatcher.NewSubscriber(d, idem, dispatcher.SubscriberConf{IdemTTL: conf.Bus.IdemTTL})
	if err = sub.Attach(a.bus, event.TopicMessageAll); err != nil {
		return nil, err
	}
	if kc, ok := a.bus.(*kafka.Client); ok {
		// 订阅要先登记主题，再起消费循环
		kc.Start(ctx)
	}

	m := metrics.New(metrics.Sources{
		Publisher:  a.pub.Stats,
		Registry:   a.reg.Stats,
		Dispatcher: d.Stats,
		Subscriber: sub.Stats,
	})
	a.gw.OnDeliver(m.Delivered)
	a.gw.OnOp(m.ObserveOp)

	mids := middleware.NewManager()
	mids.Add("request-id", middleware.RequestID())
	a.http = gateway.NewHTTPServer(a.gw, conf.HTTP, m.Handler(),
		m.GinMiddleware(), middleware.AccessLog(logger.Named("http")), mids.Use())
	a.http.AddStats("publisher", func() any { return a.pub.Stats() })
	a.http.AddStats("dispatcher", func() any { return d.Stats() })
	a.http.AddStats("subscriber", func() any { return sub.Stats() })
	a.http.AddStats("node", func() any {
		c := a.conf.Load()
		return map[string]any{"service": c.Node.Service, "instance": c.Node.Instance, "logLevel": logger.Level().String()}
	})

	if err = a.registerNaming(conf); err != nil {
		return nil, err
	}
	return a, nil
}

// ===== 存储 =====

func (a *app) buildStore(ctx context.Context, conf *config.AppConfig) error {
	var drv store.Driver
	switch conf.Store.Driver {
	case config.DriverMongo:
		cli, err := mongoutil.NewMongoDB(ctx, &conf.Store.Mongo)
		if err != nil {
			return err
		}
		a.onClose(func(ctx context.Context) { _ = cli.Close(ctx) })
		drv = mgostore.New(cli.GetDB())
	case config.DriverPostgres:
		pool, err := pg.NewPool(ctx, &conf.Store.Postgres)
		if err != nil {
			return err
		}
		drv = pgstore.New(pool) // Driver.Close 关闭连接池
	case config.DriverSqlite:
		db, err := sqlstore.Open(conf.Store.Sqlite)
		if err != nil {
			return err
		}
		drv = sqlstore.New(db)
	default:
		drv = store.NewMemDriver()
	}

	a.store = store.New(shard.NewRouter(conf.Shard.Count, conf.Shard.Prefix), drv, store.Config{
		MaxInsertRetry: conf.Store.MaxInsertRetry,
		DefaultLimit:   conf.Store.DefaultLimit,
		MaxLimit:       conf.Store.MaxLimit,
	})
	a.onClose(func(ctx context.Context) {
		if err := a.store.Close(ctx); err != nil {
			a.log.Warn("close store", zap.Error(err))
		}
	})
	if err := a.store.EnsureAll(ctx); err != nil {
		return err
	}
	a.log.Info("message store ready", zap.String("driver", conf.Store.Driver),
		zap.Int("partitions", conf.Shard.Count), zap.String("prefix", conf.Shard.Prefix))
	return nil
}

func sharedStore(conf *config.AppConfig, rdb redis.UniversalClient) storage.SharedStore {
	if rdb == nil {
		return storage.NewMemShared(nil)
	}
	return storage.NewBreakerShared(storage.NewRedisShared(rdb), conf.Shared.Breaker)
}

// ===== 总线 =====

func (a *app) buildBus(ctx context.Context, conf *config.AppConfig) error {
	switch conf.Bus.Driver {
	case config.DriverNats:
		nc, err := natsx.Connect(ctx, conf.Bus.Nats, natsx.Recover())
		if err != nil {
			return err
		}
		a.bus = nc
	case config.DriverKafka:
		kc, err := kafka.New(conf.Bus.Kafka)
		if err != nil {
			return err
		}
		a.bus = kc
	default:
		// 单实例：事件只在进程内流转
		a.bus = event.NewMemBus()
	}
	a.onClose(func(context.Context) {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("close bus", zap.Error(err))
		}
	})
	return nil
}

// ===== nacos =====

// remoteConfig 启用 nacos 时先叠加远端配置，再监听变更；只有日志等级能热更新，其余键下次启动生效
func (a *app) remoteConfig(conf *config.AppConfig) (*config.AppConfig, error) {
	if !conf.Nacos.Enabled() {
		return conf, nil
	}
	cli, err := nacos.NewConfigClient(conf.Nacos)
	if err != nil {
		return nil, err
	}
	a.watcher = nacos.NewWatcher(cli, conf.Nacos.Group, conf.Nacos.DataID)
	a.onClose(func(context.Context) { _ = a.watcher.Stop() })

	content, err := a.watcher.Start(a.applyRemote)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return conf, nil
	}
	merged, err := conf.Merge(content)
	if err != nil {
		return nil, errs.WrapMsg(err, "merge nacos config", "dataId", conf.Nacos.DataID)
	}
	a.conf.Store(merged)
	logger.SetLevel(merged.Log.Level)
	return merged, nil
}

func (a *app) applyRemote(content string) {
	cur := a.conf.Load()
	next, err := cur.Merge(content)
	if err != nil {
		a.log.Warn("ignore invalid remote config", zap.Error(err))
		return
	}
	a.conf.Store(next)
	lv := logger.SetLevel(next.Log.Level)
	a.log.Info("remote config applied", zap.String("logLevel", lv.String()))
}

func (a *app) registerNaming(conf *config.AppConfig) error {
	if !conf.Nacos.Enabled() || conf.Nacos.ServiceName == "" {
		return nil
	}
	port, err := httpPort(conf.HTTP.Addr)
	if err != nil {
		return err
	}
	cli, err := nacos.NewNamingClient(conf.Nacos)
	if err != nil {
		return err
	}
	a.naming = nacos.NewRegistry(cli, conf.Nacos.ServiceName, conf.Nacos.Group, localIP(), port,
		map[string]string{"instance": conf.Node.Instance})
	if err := a.naming.Register(); err != nil {
		return err
	}
	return nil
}

func httpPort(addr string) (uint64, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errs.ErrInvalidArgument.WrapMsg("http.addr", "addr", addr, "err", err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return 0, errs.ErrInvalidArgument.WrapMsg("http.addr port", "addr", addr)
	}
	return port, nil
}

// localIP 第一个非回环 IPv4，找不到用 127.0.0.1
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

// ===== 退出 =====

// shutdown 先摘流量：naming 下线 -> HTTP 停止 -> 断开所有连接 -> 发布器排空 -> 总线 / 存储关闭
func (a *app) shutdown(ctx context.Context) {
	if a.naming != nil {
		if err := a.naming.Deregister(); err != nil {
			a.log.Warn("nacos deregister", zap.Error(err))
		}
	}
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", zap.Error(err))
		}
	}
	if a.reg != nil {
		a.reg.Close()
	}
	if a.pub != nil {
		start := time.Now()
		if err := a.pub.Shutdown(ctx); err != nil {
			a.log.Warn("publisher shutdown", zap.Error(err))
		}
		st := a.pub.Stats()
		a.log.Info("publisher drained", zap.Duration("took", time.Since(start)),
			zap.Int64("successful", st.Successful), zap.Int64("failed", st.Failed), zap.Int64("dropped", st.Dropped))
	}
	a.closeAll(ctx)
}

func (a *app) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
