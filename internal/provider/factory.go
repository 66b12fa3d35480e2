package provider

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
)

// New creates the provider selected by cfg.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	switch cfg.Type {
	case "ses":
		var client HTTPClient = NewHTTPClient(cfg.Timeout)
		if !cfg.Unsigned {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			client = NewSigningClient(client, awsCfg.Credentials, "ses", cfg.Region)
		}
		log.Info().Str("region", cfg.Region).Str("configuration_set", cfg.ConfigurationSet).Msg("using SES provider")
		return NewSES(cfg, client), nil
	case "stdout":
		log.Info().Msg("using stdout provider, messages are not delivered")
		return NewStdout(os.Stdout, cfg.Raw), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}
