package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority is the scheduling tier of a task.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Promote returns the next tier up, saturating at high.
func (p Priority) Promote() Priority {
	if p >= PriorityHigh {
		return PriorityHigh
	}
	return p + 1
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses "high", "medium" or "low" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Severity is the tier of an escalation item. Higher values are served first.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// Severities lists every tier, most urgent first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Valid reports whether s is a known tier.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity parses a severity tier name (case-insensitive).
func ParseSeverity(v string) (Severity, error) {
	for s, name := range severityNames {
		if strings.EqualFold(v, name) {
			return s, nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", v)
}

// SeverityForPriority maps a task priority onto the matching escalation tier.
func SeverityForPriority(p Priority) Severity {
	switch p {
	case PriorityHigh:
		return SeverityHigh
	case PriorityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Max returns the more urgent of two tiers.
func (s Severity) Max(o Severity) Severity {
	if o > s {
		return o
	}
	return s
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
