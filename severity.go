package cvehub

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Severity is the normalized severity of a CVE.
//
// Upstream sources report severity in assorted spellings; NormalizeSeverity
// maps them onto this enum. The zero value is Unknown.
type Severity uint

const (
	Unknown Severity = iota
	Info
	Low
	Medium
	High
	Critical
)

var severityNames = [...]string{
	Unknown:  "unknown",
	Info:     "info",
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

func (s Severity) String() string {
	if int(s) >= len(severityNames) {
		return severityNames[Unknown]
	}
	return severityNames[s]
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if n == string(b) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Severity) Scan(i any) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v < 0 || v >= int64(len(severityNames)) {
			return fmt.Errorf("unable to scan Severity from enum %d", v)
		}
		*s = Severity(v)
	default:
		return fmt.Errorf("unable to scan Severity from type %T", i)
	}
	return nil
}

// NormalizeSeverity maps an upstream severity string onto the Severity
// enum. The mapping is case-insensitive and tolerant of the synonyms seen
// in the wild; anything unrecognized becomes Unknown.
//
// Normalization is idempotent: the canonical spellings map to themselves.
func NormalizeSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return Critical
	case "high", "severe":
		return High
	case "medium", "moderate", "med":
		return Medium
	case "low", "minor":
		return Low
	case "info", "information":
		return Info
	default:
		return Unknown
	}
}
