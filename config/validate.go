package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Broker.Email == "" || cfg.Broker.Password == "" {
		return errors.New("broker.email/password is required (or env overrides)")
	}
	if _, err := url.ParseRequestURI(cfg.Broker.AuthURL); err != nil {
		return fmt.Errorf("broker.authURL invalid: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.Broker.WSURL); err != nil {
		return fmt.Errorf("broker.wsURL invalid: %w", err)
	}
	if cfg.Broker.Channel == "" {
		return errors.New("broker.channel is required")
	}
	if cfg.Broker.InstrumentID <= 0 {
		return errors.New("broker.instrumentId must be > 0")
	}
	if cfg.Broker.PeriodSeconds <= 0 {
		return errors.New("broker.periodSeconds must be > 0")
	}
	if cfg.Ingest.RetryDelay <= 0 {
		return errors.New("ingest.retryDelay must be > 0")
	}
	if cfg.Ingest.TickBuffer < 0 {
		return errors.New("ingest.tickBuffer must be >= 0")
	}
	if cfg.Window.Capacity <= 0 {
		return errors.New("window.capacity must be > 0")
	}
	if _, err := cfg.Window.Location(); err != nil {
		return fmt.Errorf("window.timezone invalid: %w", err)
	}
	if cfg.HTTP.Listen == "" {
		return errors.New("http.listen is required")
	}
	if cfg.Push.SendQueue <= 0 {
		return errors.New("push.sendQueue must be > 0")
	}
	if cfg.Push.WriteWait <= 0 || cfg.Push.PongWait <= 0 {
		return errors.New("push.writeWait/pongWait must be > 0")
	}
	if cfg.Alert.Throttle < 0 {
		return errors.New("alert.throttle must be >= 0")
	}
	return nil
}
