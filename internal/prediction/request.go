package prediction

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Variable is one of the forecastable ARGO measurements.
type Variable string

const (
	Temperature Variable = "temperature"
	Salinity    Variable = "salinity"
	Pressure    Variable = "pressure"
)

var variableAliases = map[string]Variable{
	"temperature": Temperature,
	"temp":        Temperature,
	"t":           Temperature,
	"salinity":    Salinity,
	"psal":        Salinity,
	"s":           Salinity,
	"pressure":    Pressure,
	"pres":        Pressure,
	"p":           Pressure,
}

// Unit is the unit the predictor reports the variable in.
func (v Variable) Unit() string {
	switch v {
	case Temperature:
		return "°C"
	case Salinity:
		return "PSU"
	case Pressure:
		return "dbar"
	}
	return ""
}

// ParseVariable canonicalizes a variable name or one of its short aliases.
func ParseVariable(s string) (Variable, bool) {
	v, ok := variableAliases[strings.ToLower(strings.TrimSpace(s))]
	return v, ok
}

const (
	DefaultSinceDays   = 1095
	DefaultHistoryDays = 30
	maxHorizonDays     = 365
)

var (
	compactHorizon = regexp.MustCompile(`^(\d+)\s*([dwmy])$`)
	wordHorizon    = regexp.MustCompile(`^(\d+)\s*([a-z]+)$`)
	horizonUnits   = map[string]string{
		"day": "d", "days": "d",
		"week": "w", "weeks": "w",
		"month": "m", "months": "m",
		"year": "y", "years": "y",
	}
)

// HorizonDays converts horizons such as "14d", "3w", "6 months" or "1 year" into a number of
// days, capped at one year. ok is false for anything else.
func HorizonDays(h string) (days int, ok bool) {
	h = strings.ToLower(strings.TrimSpace(h))
	var digits, unit string
	if m := compactHorizon.FindStringSubmatch(h); m != nil {
		digits, unit = m[1], m[2]
	} else if m := wordHorizon.FindStringSubmatch(h); m != nil {
		u, known := horizonUnits[m[2]]
		if !known {
			return 0, false
		}
		digits, unit = m[1], u
	} else {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	// clamp before scaling so large counts cannot overflow
	n = min(n, maxHorizonDays)
	switch unit {
	case "w":
		n *= 7
	case "m":
		n *= 30
	case "y":
		n *= 365
	}
	return min(n, maxHorizonDays), true
}

// Number is a leniently decoded numeric field: numbers and numeric strings are accepted,
// anything else decodes as unset.
type Number struct {
	value float64
	set   bool
}

func NumberOf(f float64) Number { return Number{value: f, set: true} }

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = NumberOf(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*n = NumberOf(f)
		}
	}
	return nil
}

// intOr returns the value truncated to an int, or def when unset, non-finite or not positive.
func (n Number) intOr(def int) int {
	if !n.set || math.IsNaN(n.value) || math.IsInf(n.value, 0) || n.value < 1 || n.value > math.MaxInt32 {
		return def
	}
	return int(n.value)
}

// Bool is a leniently decoded boolean field accepting booleans, 0/1 and common words.
type Bool struct {
	value bool
	set   bool
}

func BoolOf(b bool) Bool { return Bool{value: b, set: true} }

func (b *Bool) UnmarshalJSON(raw []byte) error {
	*b = Bool{}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case bool:
		*b = BoolOf(t)
	case float64:
		*b = BoolOf(t != 0)
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			*b = BoolOf(true)
		case "0", "false", "no", "n", "off":
			*b = BoolOf(false)
		}
	}
	return nil
}

func (b Bool) or(def bool) bool {
	if !b.set {
		return def
	}
	return b.value
}

// RawRequest is a prediction request as received from a client.
type RawRequest struct {
	Variable       string `json:"variable"`
	Horizon        string `json:"horizon"`
	SinceDays      Number `json:"sinceDays"`
	ReturnHistory  Bool   `json:"returnHistory"`
	HistoryDays    Number `json:"historyDays"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Request is a validated prediction request.
type Request struct {
	Variable      Variable
	Horizon       string
	HorizonDays   *int
	SinceDays     int
	ReturnHistory bool
	HistoryDays   int
}

// Validate applies the strict enum/string checks and the lenient numeric defaults.
func Validate(raw RawRequest) (Request, error) {
	v, ok := ParseVariable(raw.Variable)
	if !ok {
		return Request{}, &Error{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid variable %q: choose one of temperature, salinity, pressure", raw.Variable),
		}
	}
	horizon := strings.TrimSpace(raw.Horizon)
	if horizon == "" {
		return Request{}, &Error{Status: http.StatusBadRequest, Message: "horizon is required"}
	}

	req := Request{
		Variable:      v,
		Horizon:       horizon,
		SinceDays:     raw.SinceDays.intOr(DefaultSinceDays),
		ReturnHistory: raw.ReturnHistory.or(true),
		HistoryDays:   raw.HistoryDays.intOr(DefaultHistoryDays),
	}
	if days, ok := HorizonDays(horizon); ok {
		req.HorizonDays = &days
	}
	return req, nil
}

// Args renders the request as predictor command-line flags.
func (r Request) Args() []string {
	return []string{
		"--variable", string(r.Variable),
		"--horizon", r.Horizon,
		"--since-days", strconv.Itoa(r.SinceDays),
		"--return-history", strconv.FormatBool(r.ReturnHistory),
		"--history-days", strconv.Itoa(r.HistoryDays),
		"--json",
	}
}
