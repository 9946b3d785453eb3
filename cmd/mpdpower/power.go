package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// PowerSwitch turns the power of a speaker target on or off.
// Implementations must honor ctx so a hung backend cannot stall the loop.
type PowerSwitch interface {
	SetPower(ctx context.Context, target string, on bool) error
}

// newPowerSwitch builds the backend selected by power.backend.
func newPowerSwitch(cfg *Config, logger *logrus.Entry) (PowerSwitch, error) {
	log := logger.WithField("backend", cfg.Power.Backend)

	switch cfg.Power.Backend {
	case PowerBackendHomeAssistant, PowerBackendHomeAssistantWS:
		token, err := cfg.HomeAssistantToken()
		if err != nil {
			return nil, err
		}
		if cfg.Power.Backend == PowerBackendHomeAssistantWS {
			return NewHomeAssistantWSSwitch(cfg.HomeAssistant.URL, token, cfg.HomeAssistant.Domain, log)
		}
		return NewHomeAssistantSwitch(cfg.HomeAssistant.URL, token, cfg.HomeAssistant.Domain, http.DefaultClient, log), nil

	case PowerBackendRF433:
		return NewRF433Switch(cfg.RF433.Encoder, cfg.RF433.Transmitter, log), nil

	case PowerBackendNone:
		return logOnlySwitch{logger: log}, nil

	default:
		return nil, fmt.Errorf("unknown power backend %q", cfg.Power.Backend)
	}
}

// logOnlySwitch records requests without switching anything.
type logOnlySwitch struct {
	logger *logrus.Entry
}

func (s logOnlySwitch) SetPower(_ context.Context, target string, on bool) error {
	s.logger.WithFields(logrus.Fields{"target": target, "state": onOff(on)}).Info("power switch (no backend)")
	return nil
}
