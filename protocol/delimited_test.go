package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/record"
)

func csvSpec(hasHeader bool) Spec {
	return Spec{
		Tag:       "csv",
		Kind:      KindDelimited,
		Delimiter: ",",
		HasHeader: hasHeader,
		Fields: []FieldSpec{
			{Name: "index", Type: record.TypeInt},
			{Name: "timestamp", Type: record.TypeDateTime, Role: RoleTimestamp},
			{Name: "value", Type: record.TypeFloat},
			{Name: "note", Type: record.TypeString, Optional: true},
		},
	}
}

func TestDelimitedDecode(t *testing.T) {
	dec := csvSpec(false).NewDecoder()

	rec, err := dec.Decode([]byte("7,2025-01-15T10:30:00Z,3.5,warm\n"))
	require.NoError(t, err)

	idx, ok := rec.Field("index")
	require.True(t, ok)
	assert.Equal(t, int64(7), idx.Int())

	val, ok := rec.Field("value")
	require.True(t, ok)
	assert.Equal(t, 3.5, val.Float())

	note, ok := rec.Field("note")
	require.True(t, ok)
	assert.Equal(t, "warm", note.String())

	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), rec.Timestamp.UTC())
	_, hasTsField := rec.Field("timestamp")
	assert.False(t, hasTsField)
}

func TestDelimitedRoundTrip(t *testing.T) {
	spec := Spec{
		Tag:  "rt",
		Kind: KindDelimited,
		Fields: []FieldSpec{
			{Name: "count", Type: record.TypeInt},
			{Name: "ratio", Type: record.TypeFloat},
			{Name: "ok", Type: record.TypeBool},
			{Name: "name", Type: record.TypeString},
		},
	}
	dec := spec.NewDecoder()

	rec, err := dec.Decode([]byte("12,0.25,true,pump-a"))
	require.NoError(t, err)

	// Re-encode from the decoded values and decode again.
	line := ""
	for i, f := range spec.Fields {
		if i > 0 {
			line += ","
		}
		v, _ := rec.Field(f.Name)
		line += v.String()
	}
	again, err := spec.NewDecoder().Decode([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, rec.Fields, again.Fields)
}

func TestDelimitedOptionalEmptyIsAbsent(t *testing.T) {
	dec := csvSpec(false).NewDecoder()

	rec, err := dec.Decode([]byte("1,2025-01-15T10:30:00Z,2.0,"))
	require.NoError(t, err)

	_, ok := rec.Field("note")
	assert.False(t, ok)
}

func TestDelimitedRequiredEmptyFails(t *testing.T) {
	dec := csvSpec(false).NewDecoder()

	_, err := dec.Decode([]byte(",2025-01-15T10:30:00Z,2.0,x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
}

func TestDelimitedTypeMismatch(t *testing.T) {
	dec := csvSpec(false).NewDecoder()

	_, err := dec.Decode([]byte("notanint,2025-01-15T10:30:00Z,2.0,x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
	assert.Contains(t, err.Error(), "index")
	assert.Contains(t, err.Error(), "notanint")
}

func TestDelimitedArityMismatch(t *testing.T) {
	dec := csvSpec(false).NewDecoder()

	_, err := dec.Decode([]byte("1,2.0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArityMismatch)
}

func TestDelimitedHeaderConsumed(t *testing.T) {
	dec := csvSpec(true).NewDecoder()

	_, err := dec.Decode([]byte("index,timestamp,value,note"))
	require.ErrorIs(t, err, ErrHeaderConsumed)

	rec, err := dec.Decode([]byte("1,2025-01-15T10:30:00Z,2.0,x"))
	require.NoError(t, err)
	idx, _ := rec.Field("index")
	assert.Equal(t, int64(1), idx.Int())
}

func TestDelimitedHeaderMismatch(t *testing.T) {
	dec := csvSpec(true).NewDecoder()

	_, err := dec.Decode([]byte("idx,ts,v,n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformed)
}

func TestDelimitedHeaderPerSession(t *testing.T) {
	spec := csvSpec(true)

	// Each session gets its own decoder and its own header skip.
	first := spec.NewDecoder()
	_, err := first.Decode([]byte("index,timestamp,value,note"))
	require.ErrorIs(t, err, ErrHeaderConsumed)

	second := spec.NewDecoder()
	_, err = second.Decode([]byte("index,timestamp,value,note"))
	require.ErrorIs(t, err, ErrHeaderConsumed)
}

func TestDelimitedLabelRole(t *testing.T) {
	spec := Spec{
		Tag:  "labeled",
		Kind: KindDelimited,
		Fields: []FieldSpec{
			{Name: "host", Type: record.TypeString, Role: RoleLabel},
			{Name: "value", Type: record.TypeFloat},
		},
	}
	rec, err := spec.NewDecoder().Decode([]byte("web-1,0.5"))
	require.NoError(t, err)

	host, ok := rec.Labels.Get("host")
	require.True(t, ok)
	assert.Equal(t, "web-1", host)
	_, isField := rec.Field("host")
	assert.False(t, isField)
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, csvSpec(true).Validate())

	bad := csvSpec(false)
	bad.Fields = append(bad.Fields, FieldSpec{Name: "index", Type: record.TypeInt})
	assert.Error(t, bad.Validate())

	bad = csvSpec(false)
	bad.Fields[0].Role = RoleTimestamp // int column cannot be the timestamp
	assert.Error(t, bad.Validate())

	bad = csvSpec(false)
	bad.Fields = nil
	assert.Error(t, bad.Validate())

	bad = csvSpec(false)
	bad.Tag = ""
	assert.Error(t, bad.Validate())

	g := Spec{Tag: "g", Kind: KindGraphite}
	assert.NoError(t, g.Validate())
	g.Fields = []FieldSpec{{Name: "x", Type: record.TypeInt}}
	assert.Error(t, g.Validate())
}
