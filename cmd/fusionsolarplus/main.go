package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/captcha"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/devices"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/fusionsolar"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/hass"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/server"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/storage"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	connector := fusionsolar.Configured(captcha.Configured())
	loader := devices.Configured()
	s := storage.Configured()
	bridge := hass.Configured()
	interval := lflag.Duration("poll-interval", coordinator.DefaultInterval, "How often every device is polled")

	coordinators := coordinator.NewMap()
	srv := server.Configured(coordinators, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	list, err := loader.Load()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load devices", slog.String("path", loader.Path()), slog.Any("error", err))
		os.Exit(1)
	}

	newClient := func(ctx context.Context, d types.Device) (coordinator.API, error) {
		c, err := connector.Connect(ctx, d)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	for _, d := range list {
		dctx := log.WithAttrs(ctx, slog.String("device", d.Key()))
		// a device that can't log in yet is retried on every refresh
		var client coordinator.API
		if c, err := connector.Connect(dctx, d); err != nil {
			log.Ctx(dctx).WarnContext(dctx, "failed to log in, retrying on the next refresh", slog.Any("error", err))
		} else {
			client = c
		}
		coordinators.Set(coordinator.New(d, client, newClient, *interval))
	}

	coordinators.AddListener(storage.NewRecorder(s).Record)
	if bridge.Enabled() {
		if err := bridge.Connect(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt", slog.Any("error", err))
			os.Exit(1)
		}
		defer bridge.Close()
		coordinators.AddListener(bridge.Update)
	}

	log.Ctx(ctx).InfoContext(ctx, "polling devices", slog.Int("devices", len(list)), slog.Duration("interval", *interval))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinators.Run(ctx)
	}()

	if srv.Enabled() {
		// Run will block until context is canceled or error happens
		if err := srv.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
			cancel()
			wg.Wait()
			os.Exit(1)
		}
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
