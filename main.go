package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SUNQC97/Pipeline-Code/internal/api"
	"github.com/SUNQC97/Pipeline-Code/internal/config"
	"github.com/SUNQC97/Pipeline-Code/internal/controller"
)

const defaultConfigFile = "config.yaml"

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func main() {
	configFile := flag.String("config", defaultConfigFile, "path to the config file")
	envFile := flag.String("env", ".env", "path to the .env file")
	connect := flag.Bool("connect", false, "connect to OPC UA and initialise TwinCAT on start")
	flag.Parse()

	path := *configFile
	if env := os.Getenv(config.EnvPrefix + "_CONFIG"); env != "" && path == defaultConfigFile {
		path = env
	} else if path == defaultConfigFile {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid log level:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	mapping, err := config.LoadMapping(cfg.MappingFile)
	if err != nil {
		logger.Fatal("failed to load axis mapping", zap.Error(err))
	}

	c := controller.New(controller.Options{Config: cfg, Logger: logger, Mapping: mapping})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.API.Enabled {
		api.StartServer(ctx, c, cfg.API, logger.Named("api"))
	}

	if *connect {
		if err := c.Connect(ctx); err != nil {
			logger.Error("initial connect failed", zap.Error(err))
		}
		if err := c.InitTwinCAT(ctx); err != nil {
			logger.Error("TwinCAT init failed", zap.Error(err))
		}
		if cfg.Virtuos.Enabled {
			if err := c.InitVirtuos(ctx); err != nil {
				logger.Error("Virtuos init failed", zap.Error(err))
			}
		}
	}

	logger.Info("pipeline bridge running", zap.String("session", c.SessionID()))
	<-ctx.Done()
	logger.Info("shutting down")
}
