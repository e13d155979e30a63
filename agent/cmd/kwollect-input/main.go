package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/millillitre/alumet/agent/internal/config"
	"github.com/millillitre/alumet/agent/internal/expose"
	"github.com/millillitre/alumet/agent/internal/forward"
	"github.com/millillitre/alumet/agent/internal/kwollect"
	"github.com/millillitre/alumet/agent/internal/runner"
	"github.com/millillitre/alumet/agent/internal/source"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Credentials may live in a .env file next to the config; it is optional.
	_ = godotenv.Load()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("kwollect-input starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(parseLevel(cfg.LogLevel))
	slog.Info("config loaded",
		"site", cfg.Plugin.Site,
		"hostname", cfg.Plugin.Hostname,
		"metrics", cfg.Plugin.Metrics,
		"poll_interval", cfg.Plugin.PollInterval,
		"mqtt", cfg.Outputs.MQTT.Enabled(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cs := kwollect.CheckCertificate(ctx, cfg.Plugin.BaseURL, cfg.Plugin.TLS.InsecureSkipVerify); cs != nil {
		attrs := []any{"endpoint", cs.Endpoint, "status", cs.Status, "issuer", cs.Issuer, "days_left", cs.DaysLeft}
		if cs.Status == kwollect.CertValid {
			slog.Info("api certificate", attrs...)
		} else {
			slog.Warn("api certificate", attrs...)
		}
	}

	// Every batch goes to the latest-value store and the live stream; MQTT
	// is optional.
	store := expose.NewStore(cfg.Outputs.Expose.SeriesTTL)
	go store.Run(ctx)
	stream := expose.NewStream(store)
	go stream.Run(ctx)
	sinks := []source.Sink{store, stream}

	if cfg.Outputs.MQTT.Enabled() {
		pub := forward.DialMQTT(cfg.Outputs.MQTT)
		defer pub.Close()
		fwd := forward.New(pub, cfg.Outputs.MQTT.BufferSize)
		go fwd.Run(ctx)
		sinks = append(sinks, fwd)
		slog.Info("forwarding to MQTT", "broker", cfg.Outputs.MQTT.Broker, "topic", cfg.Outputs.MQTT.Topic)
	}

	run := runner.New(cfg.Plugin, runner.KwollectFactory(source.Tee(sinks...), logger))

	if cfg.Outputs.Expose.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Outputs.Expose.Listen,
			Handler:           expose.NewRouter(store, run.Stats, stream),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	// Hot reload: the plugin section rebuilds the source, log_level applies
	// immediately, outputs need a restart.
	go func() {
		current := cfg
		if err := config.Watch(ctx, *configPath, cfg, func(updated *config.Config) {
			level.Set(parseLevel(updated.LogLevel))
			if !reflect.DeepEqual(updated.Outputs, current.Outputs) {
				slog.Warn("config: outputs changed, restart to apply")
			}
			run.Reload(updated.Plugin)
			current = updated
			slog.Info("config hot-reloaded", "hostname", updated.Plugin.Hostname)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	if err := run.Run(ctx); err != nil {
		slog.Error("runner failed", "err", err)
		os.Exit(1)
	}
	slog.Info("kwollect-input shutting down", "watermark", run.Watermark())
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
