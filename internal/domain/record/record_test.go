package record

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	r := New()
	got := r.Get()

	if len(got) != 12 {
		t.Fatalf("expected 12 fields, got %d", len(got))
	}
	if got["age"] != 30 {
		t.Errorf("expected age 30, got %v", got["age"])
	}
	if got["gender"] != "Male" {
		t.Errorf("expected gender Male, got %v", got["gender"])
	}
	if got["bmi"] != 22.0 {
		t.Errorf("expected bmi 22.0, got %v", got["bmi"])
	}
	if got["hba1c"] != 5.2 {
		t.Errorf("expected hba1c 5.2, got %v", got["hba1c"])
	}
}

func TestSetField_OnlyTouchesOneField(t *testing.T) {
	r := New()
	before := r.Get()

	r.SetField("ldl", 130)

	after := r.Get()
	for k, v := range before {
		if k == "ldl" {
			continue
		}
		if after[k] != v {
			t.Errorf("field %s changed from %v to %v", k, v, after[k])
		}
	}
	if after["ldl"] != 130 {
		t.Errorf("expected ldl 130, got %v", after["ldl"])
	}
}

func TestSetField_KeepsValueAsGiven(t *testing.T) {
	r := New()
	r.SetField("age", "45")

	v, _ := r.Value("age")
	if v != "45" {
		t.Errorf("expected string value to be kept, got %#v", v)
	}
}

func TestMergeExtracted_OnlyPresentFields(t *testing.T) {
	r := New()
	r.MergeExtracted(map[string]any{"age": 45, "bmi": 27.5})

	got := r.Get()
	if got["age"] != 45 || got["bmi"] != 27.5 {
		t.Errorf("merge not applied: %v", got)
	}
	for _, f := range Fields() {
		if f.Name == "age" || f.Name == "bmi" {
			continue
		}
		if got[f.Name] != f.Default {
			t.Errorf("field %s should keep default %v, got %v", f.Name, f.Default, got[f.Name])
		}
	}
}

func TestMergeExtracted_EmptyIsNoop(t *testing.T) {
	r := New()
	r.SetField("hdl", 60)
	before := r.Get()

	r.MergeExtracted(map[string]any{})
	r.MergeExtracted(nil)

	if !reflect.DeepEqual(before, r.Get()) {
		t.Errorf("empty merge changed record: %v -> %v", before, r.Get())
	}
}

func TestLastWriteWinsPerField(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"age", "bmi", "ldl", "hdl", "gender"}

	for round := 0; round < 50; round++ {
		r := New()
		want := r.Get()

		for step := 0; step < 20; step++ {
			if rng.Intn(2) == 0 {
				name := names[rng.Intn(len(names))]
				val := rng.Intn(300)
				r.SetField(name, val)
				want[name] = val
			} else {
				partial := map[string]any{}
				for _, name := range names {
					if rng.Intn(3) == 0 {
						val := rng.Intn(300)
						partial[name] = val
						want[name] = val
					}
				}
				r.MergeExtracted(partial)
			}
		}

		if !reflect.DeepEqual(want, r.Get()) {
			t.Fatalf("round %d: expected %v, got %v", round, want, r.Get())
		}
	}
}

func TestSnapshot_IsIndependent(t *testing.T) {
	r := New()
	snap := r.Snapshot()
	r.SetField("age", 70)

	if snap["age"] != 30 {
		t.Errorf("snapshot changed after SetField: %v", snap["age"])
	}

	snap["bmi"] = 99.0
	if v, _ := r.Value("bmi"); v != 22.0 {
		t.Errorf("record changed after snapshot mutation: %v", v)
	}
}

func TestFromMap_FillsDefaults(t *testing.T) {
	r := FromMap(map[string]any{"age": 50, "smoker": "yes"})

	if v, _ := r.Value("age"); v != 50 {
		t.Errorf("expected age 50, got %v", v)
	}
	if v, _ := r.Value("ldl"); v != 100 {
		t.Errorf("expected default ldl, got %v", v)
	}
	if v, _ := r.Value("smoker"); v != "yes" {
		t.Errorf("expected extra field to be kept, got %v", v)
	}
}

func TestNames_CatalogueOrderThenExtras(t *testing.T) {
	r := New()
	r.SetField("zeta", 1)
	r.SetField("alpha", 2)

	names := r.Names()
	if names[0] != "age" || names[1] != "gender" {
		t.Errorf("unexpected leading names: %v", names[:2])
	}
	if names[len(names)-2] != "alpha" || names[len(names)-1] != "zeta" {
		t.Errorf("unexpected trailing names: %v", names[len(names)-2:])
	}
}

func TestJSONRoundTripPreservesNumbers(t *testing.T) {
	r := New()
	r.SetField("bmi", 27.5)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back HealthRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, _ := back.Value("bmi")
	if n, ok := v.(json.Number); !ok || n.String() != "27.5" {
		t.Errorf("expected json.Number 27.5, got %#v", v)
	}
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name, raw string
		want      any
	}{
		{"age", "45", 45.0},
		{"bmi", " 27.5 ", 27.5},
		{"age", "forty", "forty"},
		{"gender", "Female", "Female"},
		{"unknown", "12", "12"},
	}
	for _, tt := range tests {
		if got := ParseInput(tt.name, tt.raw); got != tt.want {
			t.Errorf("ParseInput(%q, %q) = %#v, want %#v", tt.name, tt.raw, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	f, ok := Lookup("hba1c")
	if !ok || f.Step != "0.1" {
		t.Errorf("unexpected lookup result: %+v %v", f, ok)
	}
	if _, ok := Lookup("nope"); ok {
		t.Error("expected unknown field lookup to fail")
	}
}
