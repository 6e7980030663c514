// Package protocol turns framed byte messages into records. Decoders are
// pure per message; the only state a decoder instance carries is whether it
// has consumed a header line for its connection, so inbound stages create
// one decoder per session.
package protocol

import (
	"fmt"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/record"
)

// Kind selects the wire format.
type Kind int

const (
	// KindDelimited is delimited text with typed columns.
	KindDelimited Kind = iota
	// KindGraphite is dotted-metric-path line text.
	KindGraphite
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDelimited:
		return "delimited"
	case KindGraphite:
		return "graphite"
	default:
		return "unknown"
	}
}

// ParseKind parses a configuration protocol kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "delimited", "csv":
		return KindDelimited, nil
	case "graphite":
		return KindGraphite, nil
	default:
		return KindDelimited, errors.WrapFatal(
			fmt.Errorf("%w: unknown protocol kind %q", errors.ErrInvalidConfig, s),
			"protocol", "ParseKind", "parse protocol kind")
	}
}

// Role assigns a column a position in the decoded record.
type Role int

const (
	// RoleField places the column in the record's field set.
	RoleField Role = iota
	// RoleLabel places the column in the record's label set.
	RoleLabel
	// RoleTimestamp makes the column the record's timestamp.
	RoleTimestamp
)

// FieldSpec describes one delimited-text column.
type FieldSpec struct {
	Name     string
	Type     record.DataType
	Optional bool
	Role     Role
}

// Spec is a declared protocol: a tag, a kind, and kind-specific shape.
type Spec struct {
	Tag  string
	Kind Kind

	// Delimited text.
	Delimiter string
	HasHeader bool
	Fields    []FieldSpec

	// Graphite. SplitPath expands the dotted path into seg0..segN labels
	// alongside the full metric label.
	SplitPath bool
}

// Validate checks the spec once at startup.
func (s Spec) Validate() error {
	if s.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: protocol tag is required", errors.ErrMissingConfig),
			"protocol", "Validate", "validate protocol spec")
	}

	switch s.Kind {
	case KindDelimited:
		if len(s.Fields) == 0 {
			return errors.WrapFatal(
				fmt.Errorf("%w: protocol %s declares no fields", errors.ErrInvalidConfig, s.Tag),
				"protocol", "Validate", "validate protocol spec")
		}
		seen := make(map[string]bool, len(s.Fields))
		timestamps := 0
		for _, f := range s.Fields {
			if f.Name == "" {
				return errors.WrapFatal(
					fmt.Errorf("%w: protocol %s has an unnamed field", errors.ErrInvalidConfig, s.Tag),
					"protocol", "Validate", "validate protocol spec")
			}
			if seen[f.Name] {
				return errors.WrapFatal(
					fmt.Errorf("%w: protocol %s declares field %q twice", errors.ErrInvalidConfig, s.Tag, f.Name),
					"protocol", "Validate", "validate protocol spec")
			}
			seen[f.Name] = true
			if f.Role == RoleTimestamp {
				timestamps++
				if f.Type != record.TypeDateTime {
					return errors.WrapFatal(
						fmt.Errorf("%w: protocol %s timestamp field %q must be datetime",
							errors.ErrInvalidConfig, s.Tag, f.Name),
						"protocol", "Validate", "validate protocol spec")
				}
			}
		}
		if timestamps > 1 {
			return errors.WrapFatal(
				fmt.Errorf("%w: protocol %s declares multiple timestamp fields", errors.ErrInvalidConfig, s.Tag),
				"protocol", "Validate", "validate protocol spec")
		}
	case KindGraphite:
		if len(s.Fields) > 0 {
			return errors.WrapFatal(
				fmt.Errorf("%w: protocol %s is graphite and cannot declare fields", errors.ErrInvalidConfig, s.Tag),
				"protocol", "Validate", "validate protocol spec")
		}
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: protocol %s has unknown kind", errors.ErrInvalidConfig, s.Tag),
			"protocol", "Validate", "validate protocol spec")
	}
	return nil
}

// Decoder decodes one framed message into a record. Decode errors are
// per-message; the caller counts them and moves on.
type Decoder interface {
	Decode(msg []byte) (record.Record, error)
}

// NewDecoder creates a decoder for one source session.
func (s Spec) NewDecoder() Decoder {
	switch s.Kind {
	case KindGraphite:
		return &graphiteDecoder{spec: s}
	default:
		return &delimitedDecoder{spec: s, expectHeader: s.HasHeader}
	}
}
