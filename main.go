package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"IMCore/global/config"
	"IMCore/logger"
	"IMCore/tools/ids"

	"go.uber.org/zap"
)

func main() {
	confPaths := flag.String("c", "config/imcore.yaml", "config files, comma separated; later files override earlier ones")
	flag.Parse()

	conf, err := config.Load(*confPaths)
	if err != nil {
		logger.Error("load config", zap.String("paths", *confPaths), zap.Error(err))
		os.Exit(1)
	}
	logger.Init(conf.Log.Level, conf.Log.JSON)
	ids.SetNodeID(conf.Node.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, conf)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.http.Serve() }()
	logger.Info("imcore started",
		zap.String("instance", conf.Node.Instance),
		zap.String("addr", conf.HTTP.Addr),
		zap.String("store", conf.Store.Driver),
		zap.String("shared", conf.Shared.Driver),
		zap.String("bus", conf.Bus.Driver))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), conf.Publisher.ShutdownGrace+conf.HTTP.ShutdownWait+5*time.Second)
	defer cancel()
	a.shutdown(sctx)
	logger.Info("bye")
}
