package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"resilient-subscriber/adapters"
	"resilient-subscriber/application"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var Flags = []cli.Flag{
	FlagLogLevel,
	FlagLogWriter,
	FlagConfig,
	FlagTransport,
	FlagEndpoint,
	FlagTopic,
	FlagReconnectDelay,
	FlagHeartbeatInterval,
	FlagHealthCheckInterval,
	FlagReportInterval,
	FlagStatusAddr,
	FlagMQTTClientID,
	FlagMQTTQoS,
}

func main() {
	var logger zerolog.Logger

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	app := cli.App{
		Name:    "resilient-subscriber",
		Usage:   "subscribe to a broker topic and stay subscribed",
		Version: "v0.0.1",
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			var logWriter io.Writer
			switch ctx.String(FlagLogWriter.Name) {
			case "console":
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			case "json":
				logWriter = os.Stderr
			default:
				return fmt.Errorf("invalid log writer %q", ctx.String(FlagLogWriter.Name))
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "resilient-subscriber").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Action: func(ctx *cli.Context) error {
			logger.Info().Msg("service starting...")

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

				<-c

				logger.Warn().Msg("interrupt signal received")
				cancel()
			}()

			broker, err := newBroker(cfg, logger)
			if err != nil {
				return err
			}

			listenerService, err := application.NewListenerService(application.ListenerServiceParams{
				Broker:         broker,
				Config:         cfg.Subscription,
				Handler:        printHandler(os.Stdout),
				ReportInterval: cfg.ReportInterval,
				Log:            logger.With().Str("module", "listener").Logger(),
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(appCtx)

			g.Go(func() error {
				return listenerService.Run(gctx)
			})

			if cfg.StatusAddr != "" {
				statusServer, err := adapters.NewStatusServer(adapters.StatusServerParams{
					Addr:   cfg.StatusAddr,
					Status: listenerService,
					Log:    logger.With().Str("module", "status-server").Logger(),
				})
				if err != nil {
					return err
				}

				g.Go(func() error {
					return statusServer.Run(gctx)
				})
			}

			logger.Info().
				Str("transport", cfg.Transport).
				Str("endpoint", cfg.Subscription.Endpoint).
				Msg("service started")
			if err := g.Wait(); err != nil {
				return err
			}

			logger.Info().Msg("service terminating...")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}

func newBroker(cfg Config, logger zerolog.Logger) (application.Broker, error) {
	switch cfg.Transport {
	case TransportSTOMP:
		return adapters.NewSTOMPBroker(adapters.STOMPBrokerParams{
			Log: logger.With().Str("module", "stomp-broker").Logger(),
		}), nil
	case TransportMQTT:
		mqttBroker, err := adapters.NewMQTTBroker(adapters.MQTTBrokerParams{
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
			Log:      logger.With().Str("module", "mqtt-broker").Logger(),
		})
		if err != nil {
			return nil, err
		}
		return mqttBroker, nil
	default:
		return nil, fmt.Errorf("invalid transport %q", cfg.Transport)
	}
}

// printHandler writes each message body on its own line.
func printHandler(w io.Writer) application.MessageHandler {
	return func(ctx context.Context, msg *application.Message) error {
		_, err := fmt.Fprintln(w, msg.Body)
		return err
	}
}
