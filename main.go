package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"PPRealtime/global"
	"PPRealtime/global/config"
	"PPRealtime/logger"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "", "path to the gateway YAML config (env "+config.EnvConfigPath+")")
	flag.Parse()
	// sarama and nacos bootstrap chatter goes through glog
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("[Main] load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := global.Build(ctx, cfg)
	if err != nil {
		logger.Error("[Main] build gateway", zap.Error(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("[Main] gateway stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("[Main] bye")
}
