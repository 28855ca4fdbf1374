package application

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

var ErrInvalidConfig = fmt.Errorf("invalid subscription config")

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// SubscriptionConfig is fixed for the lifetime of a Subscriber.
type SubscriptionConfig struct {
	Topic    string `yaml:"topic" validate:"required"`
	Endpoint string `yaml:"endpoint" validate:"required"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`

	// HealthCheckInterval enables a periodic liveness check of the
	// transport while connected. Zero disables it.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"gte=0"`
}

func (c *SubscriptionConfig) EnsureDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}

	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

func (c SubscriptionConfig) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	problems := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		problems = append(problems, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s must not be empty", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must not be negative, got %v", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	}
}
