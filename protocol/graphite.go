package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/record"
)

// graphiteDecoder decodes `<dotted.metric.path> <value> <timestamp>` lines.
// Trailing `key=value` tokens become labels. The timestamp unit is inferred
// from its digit count (10=s, 13=ms, 16=µs, 19=ns).
type graphiteDecoder struct {
	spec Spec
}

// MetricLabel carries the dotted path on decoded graphite records.
const MetricLabel = "metric"

// ValueField carries the sample on decoded graphite records.
const ValueField = "value"

func (d *graphiteDecoder) Decode(msg []byte) (record.Record, error) {
	line := strings.TrimSpace(string(msg))
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return record.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: graphite line needs path, value and timestamp, got %d tokens",
				errors.ErrMalformed, len(tokens)),
			"protocol", "Decode", "decode graphite message")
	}

	path := tokens[0]
	if path == "" {
		return record.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: empty metric path", errors.ErrMalformed),
			"protocol", "Decode", "decode graphite message")
	}

	value, err := strconv.ParseFloat(tokens[1], 64)
	if err != nil {
		return record.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: value %q is not numeric", errors.ErrMalformed, tokens[1]),
			"protocol", "Decode", "decode graphite message")
	}

	rawTs := tokens[2]
	n, err := strconv.ParseInt(rawTs, 10, 64)
	if err != nil {
		return record.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: timestamp %q is not numeric", errors.ErrMalformed, rawTs),
			"protocol", "Decode", "decode graphite message")
	}
	ts, err := record.TimeFromUnixDigits(n, len(rawTs))
	if err != nil {
		return record.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: timestamp %q: %v", errors.ErrMalformed, rawTs, err),
			"protocol", "Decode", "decode graphite message")
	}

	rec := record.New()
	rec.Timestamp = ts
	rec.SetField(ValueField, record.FloatValue(value))

	rec.Labels = rec.Labels.Set(MetricLabel, path)
	if d.spec.SplitPath {
		for i, seg := range strings.Split(path, ".") {
			rec.Labels = rec.Labels.Set(fmt.Sprintf("seg%d", i), seg)
		}
	}

	// Trailing attribute pairs
	for _, tok := range tokens[3:] {
		key, val, found := strings.Cut(tok, "=")
		if !found || key == "" {
			return record.Record{}, errors.WrapInvalid(
				fmt.Errorf("%w: attribute %q is not key=value", errors.ErrMalformed, tok),
				"protocol", "Decode", "decode graphite message")
		}
		rec.Labels = rec.Labels.Set(key, val)
	}

	return rec, nil
}
