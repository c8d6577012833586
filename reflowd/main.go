// Command reflowd runs the two-zone reflow oven controller on a Linux host,
// either on the real board or against the simulated oven.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pborman/getopt/v2"

	"github.com/itohio/goreflow/pkg/config"
	"github.com/itohio/goreflow/pkg/logger"
)

// Build version, overridden with flag during build.
var version = "devel"

const defaultConfigFile = "reflowd.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = getopt.StringLong("config", 'c', defaultConfigFile, "config file pathname")
		logLevel   = getopt.StringLong("log-level", 'l', "", "log levels: debug, info, warn, error")
		sim        = getopt.BoolLong("sim", 0, "use the simulated oven instead of GPIO")
		listen     = getopt.StringLong("listen", 0, "", "API listen address, overrides config")
		saveConfig = getopt.StringLong("save-config", 0, "", "write the effective config to this file and exit")
		help       = getopt.BoolLong("help", 'h', "display help")
	)
	getopt.Parse()
	if *help {
		getopt.Usage()
		return 0
	}

	defer logger.Close()
	log := logger.L()
	log.Infof("reflow controller, version: %v", version)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Errorw("failed to load config", "file", *configFile, "err", err)
		return 1
	}
	if *logLevel != "" {
		if err := cfg.LogLevel.Set(*logLevel); err != nil {
			log.Errorf("Wrong log level `%v`: %v", *logLevel, err)
		}
	}
	logger.SetLogLevel(cfg.LogLevel)
	if *sim {
		cfg.Hardware.Sim = true
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	if *saveConfig != "" {
		if err := cfg.Save(*saveConfig); err != nil {
			log.Errorw("failed to save config", "err", err)
			return 1
		}
		log.Infow("config written", "file", *saveConfig)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Errorw("controller stopped", "err", err)
		return 1
	}
	log.Info("controller stopped")
	return 0
}
