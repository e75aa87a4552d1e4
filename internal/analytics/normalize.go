package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// linkFields lists the keys engines have used for the artifact link, in priority order.
var linkFields = []string{"links", "link", "visualization_url", "viz_url", "plot_url"}

var qcFields = []string{"qc", "QC"}

// normalize folds every accepted engine response shape into an Answer.
func normalize(raw map[string]any) (Answer, error) {
	var a Answer

	text, _ := raw["text"].(string)
	if strings.TrimSpace(text) == "" {
		text, _ = raw["answer"].(string)
	}
	if strings.TrimSpace(text) == "" {
		return Answer{}, fmt.Errorf("%w: missing text", ErrMalformedAnswer)
	}
	a.Text = text

	for _, key := range linkFields {
		if link := firstLink(raw[key]); link != "" {
			a.Link = &link
			break
		}
	}

	for _, key := range qcFields {
		if qc, ok := qcValue(raw[key]); ok {
			a.QC = &qc
			break
		}
	}
	return a, nil
}

// decodeAnswer parses a JSON document and normalizes it.
func decodeAnswer(body []byte) (Answer, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}
	return normalize(raw)
}

func firstLink(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// qcValue accepts a number, a numeric string, or an object carrying one under "number",
// "value" or "score".
func qcValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case map[string]any:
		for _, key := range []string{"number", "value", "score"} {
			if f, ok := qcValue(t[key]); ok {
				return f, true
			}
		}
	}
	return 0, false
}
