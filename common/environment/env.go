// Package environment provides helpers for loading configuration from environment variables.
//
// Plain lookups (String, StringOr, RequiredString, StringSliceOr) never fail on
// content. Typed lookups go through a Reader, which remembers every malformed
// or missing value so a caller can report all configuration problems at once:
//
//	var env environment.Reader
//	workers := env.Int("BOT_WORKERS", 8)
//	timeout := env.Duration("CONVERSATION_TIMEOUT", 10*time.Minute)
//	if err := env.Err(); err != nil {
//	    return err
//	}
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an error
// if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// StringSliceOr parses the named environment variable as a comma-separated list
// of strings, trimming whitespace from each element. Returns defaultValue if the
// variable is unset or holds no non-empty element.
func StringSliceOr(name string, defaultValue []string) []string {
	v := os.Getenv(name)
	if strings.TrimSpace(v) == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// Reader performs typed lookups and collects their errors. The zero value is
// ready to use. A Reader is not safe for concurrent use.
type Reader struct {
	errs []error
}

// Err returns every problem recorded so far joined into one error, or nil.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

func (r *Reader) fail(name, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("environment variable %s=%q: %w", name, value, err))
}

// Required returns the named variable, recording an error when it is unset or
// empty.
func (r *Reader) Required(name string) string {
	v, err := RequiredString(name)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

// Bool parses the named variable with strconv.ParseBool.
func (r *Reader) Bool(name string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(name, v, err)
		return defaultValue
	}
	return b
}

// Int parses the named variable as a decimal integer.
func (r *Reader) Int(name string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, v, err)
		return defaultValue
	}
	return n
}

// PositiveInt is Int that also rejects values below 1.
func (r *Reader) PositiveInt(name string, defaultValue int) int {
	n := r.Int(name, defaultValue)
	if n < 1 {
		r.fail(name, os.Getenv(name), errors.New("must be at least 1"))
		return defaultValue
	}
	return n
}

// Duration parses the named variable as a time.Duration ("30s", "5m"). A bare
// integer is read as seconds.
func (r *Reader) Duration(name string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, v, err)
		return defaultValue
	}
	return d
}

// OneOf returns the named variable lower-cased, recording an error when it is
// not among allowed.
func (r *Reader) OneOf(name, defaultValue string, allowed ...string) string {
	v := strings.ToLower(StringOr(name, defaultValue))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.fail(name, v, fmt.Errorf("must be one of %s", strings.Join(allowed, ", ")))
	return defaultValue
}
