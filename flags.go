package main

import (
	"resilient-subscriber/application"

	"github.com/urfave/cli/v2"
)

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagConfig = &cli.StringFlag{
	Name:     "config",
	Usage:    "path to a yaml config file, flags set explicitly take precedence",
	EnvVars:  []string{"SUBSCRIBER_CONFIG"},
	Required: false,
}

var FlagTransport = &cli.StringFlag{
	Name:     "transport",
	Usage:    "one of: [stomp, mqtt]",
	EnvVars:  []string{"SUBSCRIBER_TRANSPORT"},
	Value:    TransportSTOMP,
	Required: false,
}

var FlagEndpoint = &cli.StringFlag{
	Name:     "endpoint",
	Usage:    "ws://host:port/path, tcp://host:port",
	EnvVars:  []string{"SUBSCRIBER_ENDPOINT"},
	Required: false,
}

var FlagTopic = &cli.StringFlag{
	Name:     "topic",
	Usage:    "topic or destination to subscribe to",
	EnvVars:  []string{"SUBSCRIBER_TOPIC"},
	Required: false,
}

var FlagReconnectDelay = &cli.DurationFlag{
	Name:     "reconnect-delay",
	EnvVars:  []string{"SUBSCRIBER_RECONNECT_DELAY"},
	Value:    application.DefaultReconnectDelay,
	Required: false,
}

var FlagHeartbeatInterval = &cli.DurationFlag{
	Name:     "heartbeat-interval",
	EnvVars:  []string{"SUBSCRIBER_HEARTBEAT_INTERVAL"},
	Value:    application.DefaultHeartbeatInterval,
	Required: false,
}

var FlagHealthCheckInterval = &cli.DurationFlag{
	Name:     "health-check-interval",
	Usage:    "0 disables the periodic connection check",
	EnvVars:  []string{"SUBSCRIBER_HEALTH_CHECK_INTERVAL"},
	Required: false,
}

var FlagReportInterval = &cli.DurationFlag{
	Name:     "report-interval",
	EnvVars:  []string{"SUBSCRIBER_REPORT_INTERVAL"},
	Value:    application.DefaultReportInterval,
	Required: false,
}

var FlagStatusAddr = &cli.StringFlag{
	Name:     "status-addr",
	Usage:    "listen address of the status http server, empty disables it",
	EnvVars:  []string{"SUBSCRIBER_STATUS_ADDR"},
	Required: false,
}

var FlagMQTTClientID = &cli.StringFlag{
	Name:     "mqtt-client-id",
	EnvVars:  []string{"MQTT_CLIENT_ID"},
	Required: false,
}

var FlagMQTTQoS = &cli.UintFlag{
	Name:     "mqtt-qos",
	EnvVars:  []string{"MQTT_QOS"},
	Value:    0,
	Required: false,
}
