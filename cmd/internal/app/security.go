package app

import (
	"errors"
	"slices"

	"tasklane/cmd/internal/realtime"
)

// ValidateSecurityConfig refuses insecure transport settings outside dev mode.
// Fail-fast: a production process must not start with wide-open origins.
func ValidateSecurityConfig(cfg Config, ws realtime.Config) error {
	if cfg.DevMode {
		return nil
	}
	var errs []error
	if ws.DevInsecure {
		errs = append(errs, errors.New("security policy: TASKLANE_WS_DEV_INSECURE requires TASKLANE_DEV=true"))
	}
	if slices.Contains(ws.AllowedOrigins, "*") {
		errs = append(errs, errors.New("security policy: wildcard websocket origin requires TASKLANE_DEV=true"))
	}
	if cfg.CORSAllowCredentials && slices.Contains(cfg.CORSAllowedOrigins, "*") {
		errs = append(errs, errors.New("security policy: credentialed CORS cannot use a wildcard origin"))
	}
	return errors.Join(errs...)
}
