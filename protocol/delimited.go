package protocol

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/record"
)

// delimitedDecoder decodes typed delimited text. If the protocol declares a
// header, the first message of the session is validated against the column
// names and discarded.
type delimitedDecoder struct {
	spec         Spec
	expectHeader bool
}

// ErrHeaderConsumed signals that the message was a header line, consumed
// for validation and not emitted as data. Inbound stages skip it without
// counting a decode error.
var ErrHeaderConsumed = stderrors.New("header line consumed")

func (d *delimitedDecoder) delimiter() string {
	if d.spec.Delimiter == "" {
		return ","
	}
	return d.spec.Delimiter
}

func (d *delimitedDecoder) Decode(msg []byte) (record.Record, error) {
	line := strings.TrimRight(string(msg), "\r\n")
	tokens := strings.Split(line, d.delimiter())

	if len(tokens) != len(d.spec.Fields) {
		return record.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: protocol %s expects %d fields, message has %d",
				errors.ErrArityMismatch, d.spec.Tag, len(d.spec.Fields), len(tokens)),
			"protocol", "Decode", "decode delimited message")
	}

	if d.expectHeader {
		d.expectHeader = false
		if err := d.validateHeader(tokens); err != nil {
			return record.Record{}, err
		}
		return record.Record{}, ErrHeaderConsumed
	}

	rec := record.New()
	for i, f := range d.spec.Fields {
		raw := tokens[i]
		if raw == "" {
			if f.Optional {
				continue
			}
			return record.Record{}, errors.WrapInvalid(
				fmt.Errorf("%w: field %q is required but empty", errors.ErrTypeMismatch, f.Name),
				"protocol", "Decode", "decode delimited message")
		}

		value, err := record.ParseValue(raw, f.Type)
		if err != nil {
			return record.Record{}, errors.WrapInvalid(
				fmt.Errorf("%w: field %q: value %q is not a valid %s",
					errors.ErrTypeMismatch, f.Name, raw, f.Type),
				"protocol", "Decode", "decode delimited message")
		}

		switch f.Role {
		case RoleLabel:
			rec.Labels = rec.Labels.Set(f.Name, value.String())
		case RoleTimestamp:
			rec.Timestamp = value.Time()
		default:
			rec.SetField(f.Name, value)
		}
	}

	return rec, nil
}

// validateHeader checks the header columns against the declared field names.
func (d *delimitedDecoder) validateHeader(tokens []string) error {
	for i, f := range d.spec.Fields {
		if strings.TrimSpace(tokens[i]) != f.Name {
			return errors.WrapInvalid(
				fmt.Errorf("%w: header column %d is %q, protocol %s declares %q",
					errors.ErrMalformed, i, tokens[i], d.spec.Tag, f.Name),
				"protocol", "Decode", "validate header")
		}
	}
	return nil
}
