// Package knowledge indexes past incident resolutions and retrieves the
// closest matches for a new incident description.
package knowledge

import (
	"math"
	"strings"
	"time"
)

// Entry is one indexed resolution pattern.
type Entry struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	PatternType     string    `json:"patternType,omitempty"`
	Symptoms        string    `json:"symptoms,omitempty"`
	RootCause       string    `json:"rootCause,omitempty"`
	Solution        string    `json:"solution"`
	Severity        string    `json:"severity,omitempty"`
	ConfidenceScore float64   `json:"confidenceScore,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Environments    []string  `json:"environments,omitempty"`
	Technologies    []string  `json:"technologies,omitempty"`
	UsageCount      int       `json:"usageCount"`
	CreatedAt       time.Time `json:"createdAt"`

	// Embedding is the vector the entry is indexed under. Nil when the
	// embedder was unavailable at indexing time.
	Embedding []float64 `json:"-"`
}

// Match pairs an entry with its similarity to a query, in [0,1].
type Match struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Text is the document an entry is embedded and lexically matched by.
func (e *Entry) Text() string {
	return strings.Join([]string{e.Title, e.Symptoms, e.RootCause, e.Solution}, " ")
}

// Cosine returns the cosine similarity of a and b, clamped to [0,1].
// Mismatched or zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// LexicalScore scores entry against query without vectors: the share of
// query words (longer than two characters) present in the entry text, plus
// bonuses for a verbatim phrase hit and for naming the entry's pattern type.
func LexicalScore(query string, e *Entry) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	text := strings.ToLower(e.Text())

	words := strings.Fields(q)
	hits := 0
	for _, w := range words {
		if len(w) > 2 && strings.Contains(text, w) {
			hits++
		}
	}
	score := float64(hits) / float64(len(words))

	if strings.Contains(text, q) {
		score += 0.3
	}
	if e.PatternType != "" {
		pt := strings.ToLower(e.PatternType)
		if strings.Contains(q, strings.ReplaceAll(pt, "_", " ")) || strings.Contains(q, pt) {
			score += 0.2
		}
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
