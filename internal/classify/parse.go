package classify

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// ErrUnparseable is returned when model output holds neither a JSON object
// nor labelled SEVERITY/REASONING/SUGGESTION lines.
var ErrUnparseable = errors.New("model output is not a classification")

// Parse extracts a classification from model output. Severity is matched
// case-insensitively and falls back to UNKNOWN; confidence may be a number
// or a numeric string, defaults to 0 and is clamped to [0,1].
func Parse(text string) (incident.Classification, error) {
	if obj, ok := extractObject(text); ok {
		return fromJSON(obj), nil
	}
	if c, ok := fromLabelled(text); ok {
		return c, nil
	}
	return incident.Classification{}, ErrUnparseable
}

// extractObject returns the outermost {...} span when it is valid JSON.
// Models often wrap the object in prose or code fences.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	obj := text[start : end+1]
	if !gjson.Valid(obj) {
		return "", false
	}
	return obj, true
}

func fromJSON(obj string) incident.Classification {
	fields := gjson.GetMany(obj, "severity", "confidence", "reasoning", "suggestion")
	return incident.Classification{
		Severity:   severityOf(fields[0].String()),
		Confidence: confidenceOf(fields[1]),
		Reasoning:  strings.TrimSpace(fields[2].String()),
		Suggestion: strings.TrimSpace(fields[3].String()),
	}
}

func severityOf(s string) incident.Severity {
	if sev, ok := incident.ParseSeverity(s); ok {
		return sev
	}
	return incident.SeverityUnknown
}

func confidenceOf(r gjson.Result) float64 {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0
		}
		v = f
	default:
		return 0
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fromLabelled reads the "SEVERITY: ...\nCONFIDENCE: ..." layout some models
// fall back to. Continuation lines are appended to the preceding label.
func fromLabelled(text string) (incident.Classification, bool) {
	var (
		sev, conf, reasoning, suggestion string
		cur                              *string
		seen                             bool
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.ReplaceAll(line, "*", ""))
		label, rest, found := strings.Cut(trimmed, ":")
		if found {
			switch strings.ToUpper(strings.TrimSpace(label)) {
			case "SEVERITY":
				sev, cur, seen = strings.TrimSpace(rest), nil, true
				continue
			case "CONFIDENCE":
				conf, cur = strings.TrimSpace(rest), nil
				continue
			case "REASONING":
				reasoning, cur = strings.TrimSpace(rest), &reasoning
				continue
			case "SUGGESTION":
				suggestion, cur = strings.TrimSpace(rest), &suggestion
				continue
			}
		}
		if cur != nil && trimmed != "" {
			*cur = strings.TrimSpace(*cur + "\n" + trimmed)
		}
	}
	if !seen {
		return incident.Classification{}, false
	}
	return incident.Classification{
		Severity:   severityOf(strings.Trim(sev, "[] ")),
		Confidence: confidenceOf(gjson.Result{Type: gjson.String, Str: strings.Trim(conf, "[] ")}),
		Reasoning:  reasoning,
		Suggestion: suggestion,
	}, true
}
