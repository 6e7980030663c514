// Package record defines the data model flowing through the pipeline:
// typed field values, ordered label sets, and the Record envelope every
// stage consumes and produces.
package record

import (
	"sort"
	"strings"
	"time"
)

// Label is a single name/value annotation on a record.
type Label struct {
	Name  string
	Value string
}

// Labels is an ordered label set. Order is insertion order; Sorted returns
// a name-ordered copy for canonical encodings.
type Labels []Label

// Get returns the value for name and whether it is present.
func (ls Labels) Get(name string) (string, bool) {
	for _, l := range ls {
		if l.Name == name {
			return l.Value, true
		}
	}
	return "", false
}

// Set replaces the value for name, or appends it if absent.
func (ls Labels) Set(name, value string) Labels {
	for i, l := range ls {
		if l.Name == name {
			ls[i].Value = value
			return ls
		}
	}
	return append(ls, Label{Name: name, Value: value})
}

// Delete removes name from the set.
func (ls Labels) Delete(name string) Labels {
	for i, l := range ls {
		if l.Name == name {
			return append(ls[:i], ls[i+1:]...)
		}
	}
	return ls
}

// Clone returns a deep copy.
func (ls Labels) Clone() Labels {
	if ls == nil {
		return nil
	}
	out := make(Labels, len(ls))
	copy(out, ls)
	return out
}

// Sorted returns a copy ordered by label name.
func (ls Labels) Sorted() Labels {
	out := ls.Clone()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprint returns a canonical string identity for the label set,
// independent of insertion order.
func (ls Labels) Fingerprint() string {
	sorted := ls.Sorted()
	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l.Name)
		b.WriteByte(0x1f)
		b.WriteString(l.Value)
		b.WriteByte(0x1e)
	}
	return b.String()
}

// Record is the unit of data exchanged between stages.
type Record struct {
	// Timestamp is the record's event time. The zero value means no
	// timestamp has been assigned yet.
	Timestamp time.Time

	// Labels are identity annotations added by pipes.
	Labels Labels

	// Fields are the decoded payload values, keyed by field name.
	Fields map[string]Value
}

// New creates an empty record.
func New() Record {
	return Record{Fields: make(map[string]Value)}
}

// Field returns the named field value and whether it is present.
func (r Record) Field(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// SetField sets a field value.
func (r *Record) SetField(name string, v Value) {
	if r.Fields == nil {
		r.Fields = make(map[string]Value)
	}
	r.Fields[name] = v
}

// DeleteField removes a field.
func (r *Record) DeleteField(name string) {
	delete(r.Fields, name)
}

// Clone returns a deep copy. Stages that mutate records they fan out must
// clone first.
func (r Record) Clone() Record {
	out := Record{
		Timestamp: r.Timestamp,
		Labels:    r.Labels.Clone(),
	}
	if r.Fields != nil {
		out.Fields = make(map[string]Value, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// FieldNames returns the field names in sorted order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
