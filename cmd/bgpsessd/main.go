// Copyright 2025 The bgpsessd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bgpsessd runs the BGP session engine: it owns the peering TCP
// connections, drives the per-peer FSMs, and bridges validated UPDATEs to
// a route decision engine over a framed unix socket.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tverberg/bgpsessd/internal/bridge"
	"github.com/tverberg/bgpsessd/internal/config"
	"github.com/tverberg/bgpsessd/internal/metrics"
	"github.com/tverberg/bgpsessd/internal/session"
)

func main() {
	configPath, logLevelOverride := parseFlags(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgpsessd",
		zap.Uint32("asn", cfg.ASN),
		zap.String("router_id", cfg.RouterID),
		zap.Strings("listen", cfg.Listen))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := session.New(cfg, logger.Named("session"))

	if cfg.RDESocket != "" {
		c, err := net.Dial("unix", cfg.RDESocket)
		if err != nil {
			logger.Fatal("failed to connect to RDE", zap.Error(err))
		}
		eng.SetRDE(bridge.New(c, logger.Named("bridge.rde")))
	}
	if cfg.ParentSocket != "" {
		c, err := net.Dial("unix", cfg.ParentSocket)
		if err != nil {
			logger.Fatal("failed to connect to parent", zap.Error(err))
		}
		eng.SetParent(bridge.New(c, logger.Named("bridge.parent")))
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				ncfg, err := config.Load(configPath)
				if err != nil {
					logger.Warn("reload failed, keeping old config", zap.Error(err))
					continue
				}
				logger.Info("reloading configuration")
				eng.Reload(ncfg)
			default:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}()

	if err := eng.Run(ctx); err != nil {
		logger.Fatal("session engine failed", zap.Error(err))
	}
	logger.Info("bgpsessd stopped")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown option: %s\n\n", args[i])
			printUsage()
			os.Exit(1)
		}
	}
	return
}

func printUsage() {
	fmt.Println("Usage: bgpsessd [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
