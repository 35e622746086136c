package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ClassificationKind distinguishes the two shapes a WHO classification can take.
type ClassificationKind string

const (
	KindScalar ClassificationKind = "scalar"
	KindNested ClassificationKind = "nested"
)

// Classification is either a single label ("Normal") or a map of
// sub-category labels such as the lipid panel {"LDL": "Optimal", ...}.
type Classification struct {
	Kind   ClassificationKind
	Scalar string
	Nested map[string]string
}

// Scalar builds a single-label classification.
func Scalar(label string) Classification {
	return Classification{Kind: KindScalar, Scalar: label}
}

// Nested builds a classification with sub-category labels.
func Nested(labels map[string]string) Classification {
	return Classification{Kind: KindNested, Nested: labels}
}

// Keys returns the nested sub-category names in sorted order.
func (c Classification) Keys() []string {
	keys := make([]string, 0, len(c.Nested))
	for k := range c.Nested {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Classification) String() string {
	if c.Kind != KindNested {
		return c.Scalar
	}
	parts := make([]string, 0, len(c.Nested))
	for _, k := range c.Keys() {
		parts = append(parts, k+": "+c.Nested[k])
	}
	return strings.Join(parts, ", ")
}

// UnmarshalJSON picks the variant from the payload shape. Objects become
// nested classifications; strings, numbers and booleans become scalar text.
func (c *Classification) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode nested classification: %w", err)
		}
		nested := make(map[string]string, len(raw))
		for k, v := range raw {
			nested[k] = rawText(v)
		}
		*c = Nested(nested)
		return nil
	}
	*c = Scalar(rawText(data))
	return nil
}

func (c Classification) MarshalJSON() ([]byte, error) {
	if c.Kind == KindNested {
		return json.Marshal(c.Nested)
	}
	return json.Marshal(c.Scalar)
}

func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// AnalysisResult is the remote analysis output: risk scores by category key
// (for example "Diabetes_Risk_%") and WHO classifications by category.
type AnalysisResult struct {
	Risks           map[string]float64        `json:"risks"`
	Classifications map[string]Classification `json:"classifications"`
}

// Clone returns a deep copy of r.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := &AnalysisResult{
		Risks:           make(map[string]float64, len(r.Risks)),
		Classifications: make(map[string]Classification, len(r.Classifications)),
	}
	for k, v := range r.Risks {
		out.Risks[k] = v
	}
	for k, v := range r.Classifications {
		if v.Nested != nil {
			nested := make(map[string]string, len(v.Nested))
			for nk, nv := range v.Nested {
				nested[nk] = nv
			}
			v.Nested = nested
		}
		out.Classifications[k] = v
	}
	return out
}
