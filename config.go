package main

import (
	"fmt"
	"os"
	"resilient-subscriber/application"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	TransportSTOMP = "stomp"
	TransportMQTT  = "mqtt"
)

type MQTTConfig struct {
	ClientID string `yaml:"client_id"`
	QoS      uint   `yaml:"qos"`
}

// Config is the yaml file layout. Flags set on the command line override it.
type Config struct {
	Transport string `yaml:"transport"`

	Subscription application.SubscriptionConfig `yaml:"subscription"`

	ReportInterval time.Duration `yaml:"report_interval"`
	StatusAddr     string        `yaml:"status_addr"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

func readConfigFile(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func loadConfig(ctx *cli.Context) (Config, error) {
	var cfg Config
	if path := ctx.String(FlagConfig.Name); path != "" {
		var err error
		if cfg, err = readConfigFile(path); err != nil {
			return cfg, err
		}
	}

	override(ctx, FlagTransport.Name, &cfg.Transport, ctx.String)
	override(ctx, FlagEndpoint.Name, &cfg.Subscription.Endpoint, ctx.String)
	override(ctx, FlagTopic.Name, &cfg.Subscription.Topic, ctx.String)
	override(ctx, FlagReconnectDelay.Name, &cfg.Subscription.ReconnectDelay, ctx.Duration)
	override(ctx, FlagHeartbeatInterval.Name, &cfg.Subscription.HeartbeatInterval, ctx.Duration)
	override(ctx, FlagHealthCheckInterval.Name, &cfg.Subscription.HealthCheckInterval, ctx.Duration)
	override(ctx, FlagReportInterval.Name, &cfg.ReportInterval, ctx.Duration)
	override(ctx, FlagStatusAddr.Name, &cfg.StatusAddr, ctx.String)
	override(ctx, FlagMQTTClientID.Name, &cfg.MQTT.ClientID, ctx.String)
	override(ctx, FlagMQTTQoS.Name, &cfg.MQTT.QoS, ctx.Uint)

	switch cfg.Transport {
	case TransportSTOMP, TransportMQTT:
	default:
		return cfg, fmt.Errorf("invalid transport %q", cfg.Transport)
	}
	if cfg.MQTT.QoS > 2 {
		return cfg, fmt.Errorf("invalid mqtt qos %d", cfg.MQTT.QoS)
	}

	return cfg, nil
}

// override takes the flag value when it was set explicitly or the file left
// the field empty.
func override[T comparable](ctx *cli.Context, name string, dst *T, get func(string) T) {
	var zero T
	if ctx.IsSet(name) || *dst == zero {
		*dst = get(name)
	}
}
