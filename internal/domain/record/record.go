// Package record holds the canonical health record that both data-entry paths
// write into: bulk merges from document extraction and single-field manual
// edits. Values are stored exactly as given; the remote analysis service owns
// their interpretation.
package record

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// InputKind tells a front end how to collect a field.
type InputKind string

const (
	KindNumber InputKind = "number"
	KindSelect InputKind = "select"
)

// Field describes one measurement in the catalogue.
type Field struct {
	Name    string    `json:"name"`
	Label   string    `json:"label"`
	Kind    InputKind `json:"type"`
	Step    string    `json:"step,omitempty"`
	Options []string  `json:"options,omitempty"`
	Default any       `json:"default"`
}

var catalogue = []Field{
	{Name: "age", Label: "Age", Kind: KindNumber, Default: 30},
	{Name: "gender", Label: "Gender", Kind: KindSelect, Options: []string{"Male", "Female"}, Default: "Male"},
	{Name: "bmi", Label: "BMI", Kind: KindNumber, Step: "0.1", Default: 22.0},
	{Name: "waist_circumference", Label: "Waist (cm)", Kind: KindNumber, Default: 0},
	{Name: "sys_bp_avg", Label: "Systolic BP", Kind: KindNumber, Default: 120},
	{Name: "dia_bp_avg", Label: "Diastolic BP", Kind: KindNumber, Default: 80},
	{Name: "fasting_glucose", Label: "Fasting Glucose", Kind: KindNumber, Default: 90},
	{Name: "hba1c", Label: "HbA1c", Kind: KindNumber, Step: "0.1", Default: 5.2},
	{Name: "total_cholesterol", Label: "Total Cholesterol", Kind: KindNumber, Default: 170},
	{Name: "ldl", Label: "LDL", Kind: KindNumber, Default: 100},
	{Name: "hdl", Label: "HDL", Kind: KindNumber, Default: 45},
	{Name: "triglycerides", Label: "Triglycerides", Kind: KindNumber, Default: 120},
}

// Fields returns the measurement catalogue in display order.
func Fields() []Field {
	out := make([]Field, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the catalogue entry for name.
func Lookup(name string) (Field, bool) {
	for _, f := range catalogue {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// HealthRecord maps measurement field names to their current values. A field
// is never deleted once set.
type HealthRecord struct {
	values map[string]any
}

// New returns a record populated with the catalogue defaults.
func New() *HealthRecord {
	r := &HealthRecord{values: make(map[string]any, len(catalogue))}
	for _, f := range catalogue {
		r.values[f.Name] = f.Default
	}
	return r
}

// FromMap builds a record from a previously captured mapping. Catalogue
// fields missing from m fall back to their defaults.
func FromMap(m map[string]any) *HealthRecord {
	r := New()
	for k, v := range m {
		r.values[k] = v
	}
	return r
}

// Get returns a copy of the current field mapping.
func (r *HealthRecord) Get() map[string]any {
	return r.Snapshot()
}

// Value returns the current value of a single field.
func (r *HealthRecord) Value(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// SetField overwrites exactly one field and leaves all others untouched.
func (r *HealthRecord) SetField(name string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[name] = value
}

// MergeExtracted overwrites only the fields present in partial. A nil or
// empty partial leaves the record unchanged.
func (r *HealthRecord) MergeExtracted(partial map[string]any) {
	for k, v := range partial {
		r.SetField(k, v)
	}
}

// Snapshot returns an independent copy suitable for submission.
func (r *HealthRecord) Snapshot() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Names returns the field names currently held, catalogue fields first in
// display order followed by any extra fields sorted by name.
func (r *HealthRecord) Names() []string {
	names := make([]string, 0, len(r.values))
	seen := make(map[string]bool, len(catalogue))
	for _, f := range catalogue {
		if _, ok := r.values[f.Name]; ok {
			names = append(names, f.Name)
			seen[f.Name] = true
		}
	}
	var extra []string
	for k := range r.values {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

func (r *HealthRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.values)
}

func (r *HealthRecord) UnmarshalJSON(data []byte) error {
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return err
	}
	r.values = m
	if r.values == nil {
		r.values = make(map[string]any)
	}
	return nil
}

// ParseInput converts raw text typed into a front end into a field value.
// Number fields become float64 when the text parses; anything else keeps the
// raw string so the remote service can decide what to do with it.
func ParseInput(name, raw string) any {
	f, ok := Lookup(name)
	if !ok || f.Kind != KindNumber {
		return raw
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return raw
	}
	return n
}
