// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate checks that the loaded configuration is internally consistent.
// Struct tags cover the range checks; cross-field rules are checked by hand.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid value for %s (rule %s)", f.Namespace(), f.Tag())
		}
		return err
	}

	if c.Sync.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("sync.poll_interval %s is below the 100ms minimum", c.Sync.PollInterval)
	}
	if c.Sync.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("sync.reconnect_base_delay must be positive")
	}
	if c.Sync.ConnectTimeout <= 0 {
		return fmt.Errorf("sync.connect_timeout must be positive")
	}
	if c.Security.RequireToken && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.require_token needs security.jwt_secret to be set")
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	return nil
}
