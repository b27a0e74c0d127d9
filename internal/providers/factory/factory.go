// Package factory selects provider backends from configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/config"
	emailprovider "github.com/example/document-delivery/internal/providers/email"
	waprovider "github.com/example/document-delivery/internal/providers/whatsapp"
)

// Email constructs the email provider used for operator alerts. Supports
// SMTP and mock backends.
func Email(cfg config.ProviderConfig, logger zerolog.Logger) (emailprovider.Provider, error) {
	backend := normalize(cfg.EmailProvider, "mock")
	switch backend {
	case "smtp":
		provider, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		logger.Info().
			Str("backend", "smtp").
			Msg("email provider initialised")
		return provider, nil
	case "mock":
		provider := emailprovider.NewMockProvider(logger)
		logger.Info().
			Str("backend", "mock").
			Msg("email provider initialised")
		return provider, nil
	default:
		return nil, fmt.Errorf("factory: unsupported email provider backend %q", cfg.EmailProvider)
	}
}

// WhatsApp constructs the configured WhatsApp provider. Supports mock and Twilio backends.
func WhatsApp(cfg config.ProviderConfig, logger zerolog.Logger) (waprovider.Provider, error) {
	backend := normalize(cfg.WhatsAppProvider, "mock")
	switch backend {
	case "twilio":
		provider, err := waprovider.NewTwilioProvider(cfg.Twilio, cfg.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: twilio whatsapp provider init: %w", err)
		}
		logger.Info().
			Str("backend", "twilio").
			Msg("whatsapp provider initialised")
		return provider, nil
	case "mock", "mock_text_only":
		var opts []waprovider.Option
		if backend == "mock_text_only" {
			opts = append(opts, waprovider.WithScenario(waprovider.ScenarioTextOnly))
		}
		provider := waprovider.NewMockProvider(logger, opts...)
		logger.Info().
			Str("backend", backend).
			Msg("whatsapp provider initialised")
		return provider, nil
	default:
		return nil, fmt.Errorf("factory: unsupported whatsapp provider backend %q", cfg.WhatsAppProvider)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
