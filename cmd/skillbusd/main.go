package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/opshelm/skillbus/config"
	"github.com/opshelm/skillbus/core"
	"github.com/opshelm/skillbus/store"
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

func main() {
	var configFile string
	var genConfigFile string
	fs := flag.NewFlagSet("skillbusd", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "skillbus.yaml", "Path to the relay configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a default configuration file to a given path.")
	fs.Parse(os.Args[1:])

	if genConfigFile != "" {
		yamlData, err := yaml.Marshal(config.Generate())
		if err != nil {
			slog.Error("Failed to marshal generated config to YAML", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(genConfigFile, yamlData, 0644); err != nil {
			slog.Error("Failed to write generated config", "path", genConfigFile, "error", err)
			os.Exit(1)
		}
		color.HiGreen("Wrote default configuration to %s", genConfigFile)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configFile, "error", err)
		os.Exit(1)
	}

	level := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("service", "skillbusd")
	slog.SetDefault(logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating shutdown...", "signal", sig)
		appCancel()
	}()

	st, err := store.New(store.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
		Directory:      cfg.DataDir,
		AppCtx:         appCtx,
	})
	if err != nil {
		logger.Error("Failed to open local storage", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	relay, err := core.New(appCtx, logger, cfg, st)
	if err != nil {
		logger.Error("Failed to build relay core", "error", err)
		os.Exit(1)
	}

	if err := relay.Start(); err != nil {
		logger.Error("Failed to start relay", "error", err)
		os.Exit(1)
	}

	color.HiCyan("skillbus relay up on %s", cfg.SocketPath)
	for _, topic := range cfg.Topics {
		color.Cyan("  topic: %s", topic)
	}

	<-appCtx.Done()

	if err := relay.Stop(); err != nil {
		logger.Error("Relay stopped with error", "error", err)
	}
	logger.Info("Application exiting.")
}
