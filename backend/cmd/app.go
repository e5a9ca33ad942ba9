package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/broker"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/config"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/history"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/registry"
	httpServer "github.com/Jesusiunchatnoir/contact-cnt-ait/backend/server/http"
	websocketServer "github.com/Jesusiunchatnoir/contact-cnt-ait/backend/server/websocket"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/service"
	store "github.com/Jesusiunchatnoir/contact-cnt-ait/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket listen address")
		logLevel      = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Registry: registry.New(),
		History: history.New(history.Config{
			Capacity:        cfg.HistoryCapacity,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			AllowedTypes:    cfg.AllowedFileTypes,
		}),
		Rooms: store.NewRoomStore(),
		Broker: broker.New(broker.Config{
			Logger:         &logger,
			AllowMultiCall: cfg.AllowMultiCall,
			RingingTimeout: cfg.RingingTimeout,
		}),
		ReplayLimit: cfg.ReplayLimit,
		Logger:      &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		StatusService: svc,
		ListenAddr:    *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:          &logger,
		Dispatcher:      svc,
		ListenAddr:      *wsListenAddr,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
