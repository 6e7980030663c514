package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsSetGetDelete(t *testing.T) {
	var ls Labels

	ls = ls.Set("job", "void")
	ls = ls.Set("instance", "host-1")
	ls = ls.Set("job", "pipeline")

	got, ok := ls.Get("job")
	require.True(t, ok)
	assert.Equal(t, "pipeline", got)
	assert.Len(t, ls, 2)

	ls = ls.Delete("instance")
	_, ok = ls.Get("instance")
	assert.False(t, ok)
}

func TestLabelsFingerprintOrderIndependent(t *testing.T) {
	a := Labels{{"job", "void"}, {"region", "eu"}}
	b := Labels{{"region", "eu"}, {"job", "void"}}
	c := Labels{{"region", "us"}, {"job", "void"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestRecordCloneIsDeep(t *testing.T) {
	r := New()
	r.SetField("value", FloatValue(1.5))
	r.Labels = r.Labels.Set("job", "void")

	clone := r.Clone()
	clone.SetField("value", FloatValue(9.9))
	clone.Labels = clone.Labels.Set("job", "other")

	v, _ := r.Field("value")
	assert.Equal(t, 1.5, v.Float())
	job, _ := r.Labels.Get("job")
	assert.Equal(t, "void", job)
}

func TestParseValueScalars(t *testing.T) {
	tests := []struct {
		raw  string
		typ  DataType
		want string
	}{
		{"42", TypeInt, "42"},
		{"3.14", TypeFloat, "3.14"},
		{"true", TypeBool, "true"},
		{"hello", TypeString, "hello"},
	}
	for _, tt := range tests {
		v, err := ParseValue(tt.raw, tt.typ)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.typ, v.Type)
		assert.Equal(t, tt.want, v.String())
	}
}

func TestParseValueMismatch(t *testing.T) {
	_, err := ParseValue("abc", TypeInt)
	require.Error(t, err)

	_, err = ParseValue("1.5.3", TypeFloat)
	require.Error(t, err)

	_, err = ParseValue("yes-ish", TypeBool)
	require.Error(t, err)
}

func TestParseValueDatetimeWidths(t *testing.T) {
	base := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"seconds", "1736937000", base},
		{"millis", "1736937000500", base.Add(500 * time.Millisecond)},
		{"micros", "1736937000500250", base.Add(500250 * time.Microsecond)},
		{"nanos", "1736937000500250125", base.Add(500250125 * time.Nanosecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseValue(tt.raw, TypeDateTime)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(v.Time()), "got %v want %v", v.Time(), tt.want)
		})
	}
}

func TestParseValueDatetimeRFC3339(t *testing.T) {
	v, err := ParseValue("2025-01-15T10:30:00Z", TypeDateTime)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), v.Time().UTC())
}

func TestValueAsFloat(t *testing.T) {
	f, ok := IntValue(7).AsFloat()
	require.True(t, ok)
	assert.Equal(t, 7.0, f)

	f, ok = BoolValue(true).AsFloat()
	require.True(t, ok)
	assert.Equal(t, 1.0, f)

	_, ok = StringValue("x").AsFloat()
	assert.False(t, ok)

	_, ok = TimeValue(time.Now()).AsFloat()
	assert.False(t, ok)
}

func TestParseControl(t *testing.T) {
	mk := func(fields map[string]string) Record {
		r := New()
		for k, v := range fields {
			r.SetField(k, StringValue(v))
		}
		return r
	}

	cmd, err := ParseControl(mk(map[string]string{"action": "set", "name": "role", "value": "gpu0"}))
	require.NoError(t, err)
	assert.Equal(t, ControlCommand{Action: ActionSet, Name: "role", Value: "gpu0"}, cmd)

	cmd, err = ParseControl(mk(map[string]string{"action": "add", "name": "role", "value": "gpu0"}))
	require.NoError(t, err)
	assert.Equal(t, ActionSet, cmd.Action)

	cmd, err = ParseControl(mk(map[string]string{"action": "remove", "name": "role"}))
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, cmd.Action)

	cmd, err = ParseControl(mk(map[string]string{"action": "clear"}))
	require.NoError(t, err)
	assert.Equal(t, ActionClear, cmd.Action)

	_, err = ParseControl(mk(map[string]string{"name": "role"}))
	assert.Error(t, err)

	_, err = ParseControl(mk(map[string]string{"action": "set", "name": "role"}))
	assert.Error(t, err)

	_, err = ParseControl(mk(map[string]string{"action": "explode"}))
	assert.Error(t, err)
}
