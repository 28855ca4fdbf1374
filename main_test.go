package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"resilient-subscriber/adapters"
	"resilient-subscriber/application"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runLoadConfig(t *testing.T, args ...string) (Config, error) {
	t.Helper()

	var (
		cfg     Config
		loadErr error
	)
	app := &cli.App{
		Name:  "test",
		Flags: Flags,
		Action: func(ctx *cli.Context) error {
			cfg, loadErr = loadConfig(ctx)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
	return cfg, loadErr
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_FlagsOnly(t *testing.T) {
	cfg, err := runLoadConfig(t,
		"--endpoint", "ws://localhost:8080/ws",
		"--topic", "/topic/messages",
	)
	require.NoError(t, err)

	assert.Equal(t, TransportSTOMP, cfg.Transport)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Subscription.Endpoint)
	assert.Equal(t, "/topic/messages", cfg.Subscription.Topic)
	assert.Equal(t, application.DefaultReconnectDelay, cfg.Subscription.ReconnectDelay)
	assert.Equal(t, application.DefaultHeartbeatInterval, cfg.Subscription.HeartbeatInterval)
	assert.Equal(t, time.Duration(0), cfg.Subscription.HealthCheckInterval)
	assert.Equal(t, application.DefaultReportInterval, cfg.ReportInterval)
	assert.Empty(t, cfg.StatusAddr)
}

func TestLoadConfig_FileWithOverrides(t *testing.T) {
	path := writeConfig(t, `
transport: mqtt
subscription:
  endpoint: tcp://broker:1883
  topic: sensors/#
  reconnect_delay: 2s
  health_check_interval: 1m
status_addr: ":8081"
mqtt:
  client_id: from-file
  qos: 1
`)

	cfg, err := runLoadConfig(t,
		"--config", path,
		"--topic", "alerts/#",
		"--reconnect-delay", "7s",
	)
	require.NoError(t, err)

	assert.Equal(t, TransportMQTT, cfg.Transport)
	assert.Equal(t, "tcp://broker:1883", cfg.Subscription.Endpoint)
	assert.Equal(t, "alerts/#", cfg.Subscription.Topic)
	assert.Equal(t, 7*time.Second, cfg.Subscription.ReconnectDelay)
	assert.Equal(t, application.DefaultHeartbeatInterval, cfg.Subscription.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.Subscription.HealthCheckInterval)
	assert.Equal(t, ":8081", cfg.StatusAddr)
	assert.Equal(t, "from-file", cfg.MQTT.ClientID)
	assert.Equal(t, uint(1), cfg.MQTT.QoS)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := runLoadConfig(t, "--transport", "amqp")
	assert.ErrorContains(t, err, "invalid transport")

	_, err = runLoadConfig(t, "--transport", "mqtt", "--mqtt-qos", "3")
	assert.ErrorContains(t, err, "invalid mqtt qos")

	_, err = runLoadConfig(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = runLoadConfig(t, "--config", writeConfig(t, "subscription: [not, a, map]"))
	assert.ErrorContains(t, err, "parse config")
}

func TestNewBroker(t *testing.T) {
	broker, err := newBroker(Config{Transport: TransportSTOMP}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &adapters.STOMPBroker{}, broker)

	broker, err = newBroker(Config{Transport: TransportMQTT, MQTT: MQTTConfig{QoS: 1}}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &adapters.MQTTBroker{}, broker)

	_, err = newBroker(Config{Transport: "amqp"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPrintHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := printHandler(&buf)

	require.NoError(t, handler(context.Background(), &application.Message{Body: "m1"}))
	require.NoError(t, handler(context.Background(), &application.Message{Body: `{"k":"v"}`}))

	assert.Equal(t, "m1\n{\"k\":\"v\"}\n", buf.String())
}
