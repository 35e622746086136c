package results

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/healthtwin/healthtwin/internal/domain/session"
)

func TestBandFor(t *testing.T) {
	cases := []struct {
		score float64
		want  Band
	}{
		{0, BandLow},
		{19.9, BandLow},
		{20, BandModerate},
		{39.9, BandModerate},
		{40, BandHigh},
		{100, BandHigh},
		{-5, BandLow},
		{120, BandHigh},
	}
	for _, tc := range cases {
		if got := BandFor(tc.score); got != tc.want {
			t.Errorf("BandFor(%g) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestBandLabel(t *testing.T) {
	if BandModerate.Label() != "Moderate Risk" {
		t.Errorf("unexpected label %q", BandModerate.Label())
	}
}

func TestRiskTitle(t *testing.T) {
	cases := map[string]string{
		"Diabetes_Risk_%":     "Diabetes Risk",
		"Hypertension_Risk_%": "Hypertension Risk",
		"CARDIOVASCULAR":      "Cardiovascular Risk",
		"Kidney_Risk_%":       "Kidney Risk %",
		"liver_score":         "liver score",
	}
	for key, want := range cases {
		if got := RiskTitle(key); got != want {
			t.Errorf("RiskTitle(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestTitles_Custom(t *testing.T) {
	titles := Titles{"diabetes": "Type 2 Diabetes"}
	if got := titles.Title("Diabetes_Risk_%"); got != "Type 2 Diabetes" {
		t.Errorf("unexpected title %q", got)
	}
}

func sampleResult() *session.AnalysisResult {
	return &session.AnalysisResult{
		Risks: map[string]float64{"Hypertension_Risk_%": 42, "Diabetes_Risk_%": 15},
		Classifications: map[string]session.Classification{
			"HbA1c":       session.Scalar("Normal"),
			"Cholesterol": session.Nested(map[string]string{"HDL": "Low"}),
		},
	}
}

func TestSummarize(t *testing.T) {
	sum, err := Summarize(sampleResult())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sum.Risks) != 2 || sum.Risks[0].Key != "Diabetes_Risk_%" {
		t.Fatalf("expected sorted risk cards, got %+v", sum.Risks)
	}
	if sum.Risks[0].Band != BandLow || sum.Risks[0].Title != "Diabetes Risk" {
		t.Errorf("unexpected card %+v", sum.Risks[0])
	}
	if sum.Risks[1].Band != BandHigh {
		t.Errorf("expected high band for 42, got %s", sum.Risks[1].Band)
	}
	if sum.Classifications[0].Category != "Cholesterol" || sum.Classifications[0].Entries["HDL"] != "Low" {
		t.Errorf("unexpected nested row %+v", sum.Classifications[0])
	}
	if sum.Classifications[1].Label != "Normal" {
		t.Errorf("unexpected scalar row %+v", sum.Classifications[1])
	}
}

func TestSummarize_NoResult(t *testing.T) {
	if _, err := Summarize(nil); !errors.Is(err, ErrNoResult) {
		t.Errorf("expected ErrNoResult, got %v", err)
	}
}

func TestBuildChatContext(t *testing.T) {
	sess := session.New("")
	if _, err := BuildChatContext(sess); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult before analysis, got %v", err)
	}

	sess.SetField("age", 61)
	sess.ApplyResult(sampleResult())
	cc, err := BuildChatContext(sess)
	if err != nil {
		t.Fatalf("BuildChatContext: %v", err)
	}
	if cc.UserData["age"] != 61 || cc.Risks["Diabetes_Risk_%"] != 15 {
		t.Errorf("unexpected context %+v", cc)
	}

	raw, err := json.Marshal(cc)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"user_data", "who_classification", "risks"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected %s in wire context: %s", key, raw)
		}
	}
	if decoded["who_classification"]["HbA1c"] != "Normal" {
		t.Errorf("expected scalar classification as string, got %v", decoded["who_classification"]["HbA1c"])
	}
}

func TestBuildChatContext_FollowsLatestResult(t *testing.T) {
	sess := session.New("")
	sess.ApplyResult(sampleResult())
	sess.ApplyResult(&session.AnalysisResult{Risks: map[string]float64{"Diabetes_Risk_%": 33}})

	cc, _ := BuildChatContext(sess)
	if cc.Risks["Diabetes_Risk_%"] != 33 {
		t.Errorf("expected the second result, got %v", cc.Risks)
	}
}

func TestBuildExplainRequest(t *testing.T) {
	sess := session.New("")
	sess.ApplyResult(sampleResult())
	req, err := BuildExplainRequest(sess)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(req)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if _, ok := decoded["values"]; !ok {
		t.Errorf("expected values key, got %s", raw)
	}
}
