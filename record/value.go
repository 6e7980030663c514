package record

import (
	"fmt"
	"strconv"
	"time"

	"github.com/DarkHighness/void/errors"
)

// DataType identifies the scalar type of a field value.
type DataType int

const (
	TypeString DataType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDateTime
)

// String returns the configuration name of the type.
func (t DataType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// ParseDataType parses a configuration type name.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "string":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "datetime", "timestamp":
		return TypeDateTime, nil
	default:
		return TypeString, errors.WrapInvalid(
			fmt.Errorf("unknown data type %q", s),
			"record", "ParseDataType", "parse type name")
	}
}

// Value is a typed scalar carried in a record field.
type Value struct {
	Type DataType

	str  string
	num  int64
	flt  float64
	bol  bool
	time time.Time
}

// StringValue creates a string-typed value.
func StringValue(s string) Value { return Value{Type: TypeString, str: s} }

// IntValue creates an int-typed value.
func IntValue(i int64) Value { return Value{Type: TypeInt, num: i} }

// FloatValue creates a float-typed value.
func FloatValue(f float64) Value { return Value{Type: TypeFloat, flt: f} }

// BoolValue creates a bool-typed value.
func BoolValue(b bool) Value { return Value{Type: TypeBool, bol: b} }

// TimeValue creates a datetime-typed value.
func TimeValue(t time.Time) Value { return Value{Type: TypeDateTime, time: t} }

// ParseValue parses a raw wire token into a value of the requested type.
// Datetime tokens accept RFC 3339 or a unix timestamp whose digit count
// selects the unit (10=s, 13=ms, 16=µs, 19=ns).
func ParseValue(raw string, typ DataType) (Value, error) {
	switch typ {
	case TypeString:
		return StringValue(raw), nil
	case TypeInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, typeMismatch(raw, typ)
		}
		return IntValue(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, typeMismatch(raw, typ)
		}
		return FloatValue(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, typeMismatch(raw, typ)
		}
		return BoolValue(b), nil
	case TypeDateTime:
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return TimeValue(ts), nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, typeMismatch(raw, typ)
		}
		ts, err := TimeFromUnixDigits(n, len(raw))
		if err != nil {
			return Value{}, typeMismatch(raw, typ)
		}
		return TimeValue(ts), nil
	default:
		return Value{}, typeMismatch(raw, typ)
	}
}

func typeMismatch(raw string, typ DataType) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %q is not a valid %s", errors.ErrTypeMismatch, raw, typ),
		"record", "ParseValue", "parse field value")
}

// TimeFromUnixDigits interprets a unix timestamp by digit width:
// 10 digits are seconds, 13 millis, 16 micros, 19 nanos.
func TimeFromUnixDigits(n int64, digits int) (time.Time, error) {
	switch digits {
	case 10:
		return time.Unix(n, 0), nil
	case 13:
		return time.UnixMilli(n), nil
	case 16:
		return time.UnixMicro(n), nil
	case 19:
		return time.Unix(0, n), nil
	default:
		return time.Time{}, fmt.Errorf("ambiguous unix timestamp width %d", digits)
	}
}

// String renders the value for display and console output.
func (v Value) String() string {
	switch v.Type {
	case TypeString:
		return v.str
	case TypeInt:
		return strconv.FormatInt(v.num, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.bol)
	case TypeDateTime:
		return v.time.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Int returns the int payload. Valid only for TypeInt.
func (v Value) Int() int64 { return v.num }

// Float returns the float payload. Valid only for TypeFloat.
func (v Value) Float() float64 { return v.flt }

// Bool returns the bool payload. Valid only for TypeBool.
func (v Value) Bool() bool { return v.bol }

// Time returns the datetime payload. Valid only for TypeDateTime.
func (v Value) Time() time.Time { return v.time }

// AsFloat converts numeric and bool values to float64 for sample encoding.
// Returns false for strings and datetimes.
func (v Value) AsFloat() (float64, bool) {
	switch v.Type {
	case TypeInt:
		return float64(v.num), true
	case TypeFloat:
		return v.flt, true
	case TypeBool:
		if v.bol {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// IsNumeric reports whether the value converts to a sample via AsFloat.
func (v Value) IsNumeric() bool {
	_, ok := v.AsFloat()
	return ok
}
