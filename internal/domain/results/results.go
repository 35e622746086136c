// Package results turns an analysis result into display data (risk bands and
// titles) and shapes the context sent to the assistant and explanation calls.
package results

import (
	"errors"
	"sort"
	"strings"

	"github.com/healthtwin/healthtwin/internal/domain/session"
)

var ErrNoResult = errors.New("no analysis result")

// Band is the qualitative risk level of a score.
type Band string

const (
	BandLow      Band = "low"
	BandModerate Band = "moderate"
	BandHigh     Band = "high"
)

// Label is the display text for a band.
func (b Band) Label() string {
	switch b {
	case BandLow:
		return "Low Risk"
	case BandModerate:
		return "Moderate Risk"
	case BandHigh:
		return "High Risk"
	}
	return string(b)
}

// BandFor maps a 0-100 score: [0,20) low, [20,40) moderate, [40,100] high.
// Out-of-range scores fall into the nearest band.
func BandFor(score float64) Band {
	switch {
	case score < 20:
		return BandLow
	case score < 40:
		return BandModerate
	default:
		return BandHigh
	}
}

const riskSuffix = "_Risk_%"

// DefaultTitles maps lowercase risk categories to display titles.
var DefaultTitles = Titles{
	"diabetes":       "Diabetes Risk",
	"hypertension":   "Hypertension Risk",
	"cardiovascular": "Cardiovascular Risk",
	"obesity":        "Obesity Risk",
}

// Titles is a lookup of risk category to display title.
type Titles map[string]string

// Title resolves a risk key such as "Diabetes_Risk_%". Unknown categories
// fall back to the key with underscores replaced by spaces.
func (t Titles) Title(key string) string {
	category := strings.ToLower(strings.TrimSuffix(key, riskSuffix))
	if title, ok := t[category]; ok {
		return title
	}
	return strings.ReplaceAll(key, "_", " ")
}

// RiskTitle resolves key against DefaultTitles.
func RiskTitle(key string) string {
	return DefaultTitles.Title(key)
}

// RiskCard is one rendered risk score.
type RiskCard struct {
	Key       string  `json:"key"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	Band      Band    `json:"band"`
	BandLabel string  `json:"band_label"`
}

// ClassificationRow is one rendered WHO classification. Entries is set for
// nested classifications, Label for scalar ones.
type ClassificationRow struct {
	Category string            `json:"category"`
	Label    string            `json:"label,omitempty"`
	Entries  map[string]string `json:"entries,omitempty"`
}

// Summary is everything a front end needs to draw the results view.
type Summary struct {
	Risks           []RiskCard          `json:"risks"`
	Classifications []ClassificationRow `json:"classifications"`
}

// Summarize renders r with t. Both lists are sorted by key.
func (t Titles) Summarize(r *session.AnalysisResult) (*Summary, error) {
	if r == nil {
		return nil, ErrNoResult
	}
	out := &Summary{
		Risks:           make([]RiskCard, 0, len(r.Risks)),
		Classifications: make([]ClassificationRow, 0, len(r.Classifications)),
	}
	for _, key := range sortedKeys(r.Risks) {
		score := r.Risks[key]
		band := BandFor(score)
		out.Risks = append(out.Risks, RiskCard{
			Key:       key,
			Title:     t.Title(key),
			Score:     score,
			Band:      band,
			BandLabel: band.Label(),
		})
	}
	for _, key := range sortedKeys(r.Classifications) {
		c := r.Classifications[key]
		row := ClassificationRow{Category: key}
		if c.Kind == session.KindNested {
			row.Entries = c.Nested
		} else {
			row.Label = c.Scalar
		}
		out.Classifications = append(out.Classifications, row)
	}
	return out, nil
}

// Summarize renders r with DefaultTitles.
func Summarize(r *session.AnalysisResult) (*Summary, error) {
	return DefaultTitles.Summarize(r)
}

// ChatContext is the context sent with every assistant question.
type ChatContext struct {
	UserData          map[string]any                    `json:"user_data"`
	WHOClassification map[string]session.Classification `json:"who_classification"`
	Risks             map[string]float64                `json:"risks"`
}

// BuildChatContext reads the current record and the current result, so a
// re-analysis is reflected in the next question.
func BuildChatContext(sess *session.Session) (*ChatContext, error) {
	rec, res := sess.Inputs()
	if res == nil {
		return nil, ErrNoResult
	}
	return &ChatContext{UserData: rec, WHOClassification: res.Classifications, Risks: res.Risks}, nil
}

// ExplainRequest is the body of the explanation call.
type ExplainRequest struct {
	Values            map[string]any                    `json:"values"`
	WHOClassification map[string]session.Classification `json:"who_classification"`
	Risks             map[string]float64                `json:"risks"`
}

func BuildExplainRequest(sess *session.Session) (*ExplainRequest, error) {
	rec, res := sess.Inputs()
	if res == nil {
		return nil, ErrNoResult
	}
	return &ExplainRequest{Values: rec, WHOClassification: res.Classifications, Risks: res.Risks}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
