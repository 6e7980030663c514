package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DarkHighness/void/errors"
)

// Secret is a config string with optional indirection:
//
//	env:VAR          value of $VAR, missing is an error
//	env:VAR:default  value of $VAR, falling back to default
//	file:/path       trimmed contents of the file
//	anything else    the literal string
//
// Resolution is deferred to Resolve so loading a config never touches the
// environment or filesystem.
type Secret string

// Resolve returns the concrete value.
func (s Secret) Resolve() (string, error) {
	raw := string(s)
	switch {
	case strings.HasPrefix(raw, "env:"):
		spec := strings.TrimPrefix(raw, "env:")
		name, fallback, hasFallback := strings.Cut(spec, ":")
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
		if hasFallback {
			return fallback, nil
		}
		return "", errors.WrapFatal(
			fmt.Errorf("%w: environment variable %s is not set", errors.ErrMissingConfig, name),
			"Secret", "Resolve", "resolve secret")
	case strings.HasPrefix(raw, "file:"):
		path := strings.TrimPrefix(raw, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.WrapFatal(err, "Secret", "Resolve", "read secret file")
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return raw, nil
	}
}

// IsZero reports whether the secret is unset.
func (s Secret) IsZero() bool {
	return s == ""
}

// Duration parses Go duration strings from YAML ("100ms", "5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return errors.WrapFatal(err, "Duration", "UnmarshalYAML", "decode duration")
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: bad duration %q", errors.ErrInvalidConfig, raw),
			"Duration", "UnmarshalYAML", "parse duration")
	}
	*d = Duration(v)
	return nil
}

// Std returns the duration as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
