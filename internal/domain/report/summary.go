package report

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/healthtwin/healthtwin/internal/domain/record"
	"github.com/healthtwin/healthtwin/internal/domain/results"
	"github.com/healthtwin/healthtwin/internal/domain/session"
)

const (
	summaryTitle = "AI Digital Health Twin - Health Analysis Report"
	disclaimer   = "Disclaimer: This report is generated by an AI Digital Health Twin and is for informational " +
		"purposes only. It does not constitute a medical diagnosis. Please consult a healthcare professional."
)

// RenderSummary draws a report from the session's record and current result
// without calling the remote service.
func RenderSummary(sess *session.Session) (*Report, error) {
	rec, res := sess.Inputs()
	sum, err := results.Summarize(res)
	if err != nil {
		return nil, err
	}

	doc := gofpdf.New("P", "mm", "A4", "")
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.SetTitle(summaryTitle, true)
	doc.SetHeaderFunc(func() {
		doc.SetFont("Arial", "B", 12)
		doc.CellFormat(0, 10, summaryTitle, "", 1, "C", false, 0, "")
		doc.Ln(10)
	})
	doc.SetFooterFunc(func() {
		doc.SetY(-15)
		doc.SetFont("Arial", "I", 8)
		doc.CellFormat(0, 10, fmt.Sprintf("Page %d", doc.PageNo()), "", 0, "C", false, 0, "")
	})
	doc.AddPage()

	section := func(title string) {
		doc.SetFont("Arial", "B", 14)
		doc.CellFormat(0, 10, title, "", 1, "", false, 0, "")
		doc.SetFont("Arial", "", 12)
	}
	line := func(indent float64, text string) {
		if indent > 0 {
			doc.CellFormat(indent, 8, "", "", 0, "", false, 0, "")
		}
		doc.CellFormat(0, 8, tr(text), "", 1, "", false, 0, "")
	}

	section("Patient Details")
	r := record.FromMap(rec)
	for _, name := range r.Names() {
		v, _ := r.Value(name)
		line(0, fmt.Sprintf("%s: %s", fieldLabel(name), formatValue(v)))
	}
	doc.Ln(5)

	section("Risk Assessment")
	for _, card := range sum.Risks {
		line(0, fmt.Sprintf("%s: %s%% (%s)", card.Title, strconv.FormatFloat(card.Score, 'f', -1, 64), card.BandLabel))
	}
	doc.Ln(5)

	section("WHO Standards Classification")
	for _, row := range sum.Classifications {
		if row.Entries == nil {
			line(0, fmt.Sprintf("%s: %s", row.Category, row.Label))
			continue
		}
		line(0, row.Category+":")
		for _, k := range sortedKeys(row.Entries) {
			line(10, fmt.Sprintf("%s: %s", k, row.Entries[k]))
		}
	}

	doc.Ln(10)
	doc.SetFont("Arial", "I", 10)
	doc.MultiCell(0, 5, disclaimer, "", "", false)

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	return &Report{
		FileName:    FileName,
		ContentType: pdfMIME,
		Data:        buf.Bytes(),
		Pages:       doc.PageNo(),
	}, nil
}

func fieldLabel(name string) string {
	if f, ok := record.Lookup(name); ok {
		return f.Label
	}
	return strings.ReplaceAll(name, "_", " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
