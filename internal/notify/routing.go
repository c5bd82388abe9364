// Package notify holds the routing tables that decide who is paged for an
// incident and which ticket priority it gets.
package notify

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// Routing maps incident attributes to stakeholder groups and ticket priorities.
type Routing struct {
	// TypeStakeholders lists the teams paged for each incident type.
	TypeStakeholders map[string][]string `yaml:"type_stakeholders"`
	// SeverityStakeholders lists the roles paged for each severity.
	SeverityStakeholders map[string][]string `yaml:"severity_stakeholders"`
	// Priorities maps severity to a ticket priority name.
	Priorities map[string]string `yaml:"priorities"`
	// DefaultPriority is used for severities missing from Priorities.
	DefaultPriority string `yaml:"default_priority"`
}

// DefaultRouting is used when no routing file is configured.
func DefaultRouting() *Routing {
	return &Routing{
		TypeStakeholders: map[string][]string{
			string(incident.TypeDatabaseConnectionError): {"database-team", "backend-team"},
			string(incident.TypeSecurityBreach):          {"security-team"},
			string(incident.TypeNetworkIssue):            {"network-team"},
		},
		SeverityStakeholders: map[string][]string{
			string(incident.SeverityHigh):   {"incident-commander"},
			string(incident.SeverityMedium): {"team-leads"},
		},
		Priorities: map[string]string{
			string(incident.SeverityCritical): "Highest",
			string(incident.SeverityHigh):     "High",
			string(incident.SeverityMedium):   "Medium",
			string(incident.SeverityLow):      "Low",
		},
		DefaultPriority: "Medium",
	}
}

// LoadRouting reads a YAML routing file. Tables present in the file replace
// the defaults wholesale; absent tables keep them. Keys are upper-cased.
func LoadRouting(path string) (*Routing, error) {
	if path == "" {
		return DefaultRouting(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRouting(raw)
}

// ParseRouting decodes YAML routing tables over the defaults.
func ParseRouting(raw []byte) (*Routing, error) {
	var file Routing
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse routing file: %w", err)
	}

	r := DefaultRouting()
	if file.TypeStakeholders != nil {
		r.TypeStakeholders = upperKeys(file.TypeStakeholders)
	}
	if file.SeverityStakeholders != nil {
		r.SeverityStakeholders = upperKeys(file.SeverityStakeholders)
	}
	if file.Priorities != nil {
		r.Priorities = make(map[string]string, len(file.Priorities))
		for k, v := range file.Priorities {
			r.Priorities[strings.ToUpper(k)] = v
		}
	}
	if file.DefaultPriority != "" {
		r.DefaultPriority = file.DefaultPriority
	}
	return r, nil
}

func upperKeys(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Stakeholders returns the sorted, de-duplicated union of the groups paged
// for t and s. Empty means nobody is paged.
func (r *Routing) Stakeholders(t incident.Type, s incident.Severity) []string {
	seen := make(map[string]struct{})
	for _, g := range r.TypeStakeholders[string(t)] {
		seen[g] = struct{}{}
	}
	for _, g := range r.SeverityStakeholders[string(s)] {
		seen[g] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		if g != "" {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// Priority returns the ticket priority for s.
func (r *Routing) Priority(s incident.Severity) string {
	if p, ok := r.Priorities[string(s)]; ok && p != "" {
		return p
	}
	return r.DefaultPriority
}
