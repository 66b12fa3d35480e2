package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const defaultTimeout = 30 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config selects the ESP the delivery worker sends through.
type Config struct {
	Type   string `mapstructure:"type" validate:"required,oneof=ses stdout"`
	Region string `mapstructure:"region" validate:"required_if=Type ses"`
	// Endpoint replaces https://email.<region>.amazonaws.com, e.g. for a
	// local SES emulator.
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	// ConfigurationSet names the SES configuration set whose event
	// destination publishes delivery feedback.
	ConfigurationSet string        `mapstructure:"configuration_set"`
	Timeout          time.Duration `mapstructure:"timeout"`
	// Unsigned skips SigV4 signing.
	Unsigned bool `mapstructure:"unsigned"`
	// Raw makes the stdout provider print the full MIME document.
	Raw bool `mapstructure:"raw"`
}

// Validate fills defaults and reports the first invalid field.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("provider %s is required", field)
	case "required_if":
		return fmt.Errorf("provider %s is required for %s", field, c.Type)
	case "oneof":
		return fmt.Errorf("unknown provider type: %s", c.Type)
	default:
		return fmt.Errorf("provider %s is invalid", field)
	}
}
