// Package roster holds the status vocabulary and identity rules shared by
// every ingestion channel.
package roster

import (
	"regexp"
	"strings"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

// statusGroups maps upstream HR vocabulary onto the canonical three-state
// status. Order matters for the substring pass: "left" and "inactive" terms
// are checked before "active" so that strings like "inactive contractor"
// resolve to the stronger state.
var statusGroups = []struct {
	canonical models.Status
	terms     []string
}{
	{models.StatusLeft, []string{
		"left", "terminated", "former", "resigned", "retired",
		"departed", "exited", "quit", "fired", "removed",
	}},
	{models.StatusInactive, []string{
		"inactive", "on leave", "onleave", "leave", "sabbatical",
		"maternity", "paternity", "medical", "suspended",
	}},
	{models.StatusActive, []string{
		"active", "employed", "current", "working", "full-time",
		"fulltime", "part-time", "parttime", "contractor",
		"consultant", "intern",
	}},
}

var exactStatus = func() map[string]models.Status {
	m := make(map[string]models.Status)
	for _, g := range statusGroups {
		for _, t := range g.terms {
			m[t] = g.canonical
		}
	}
	return m
}()

// NormalizeStatus maps a free-form status string onto the canonical set.
// Matching is case-insensitive: exact vocabulary match first, then substring.
// Empty input defaults to active, unrecognized input to inactive.
func NormalizeStatus(raw string) models.Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return models.StatusActive
	}
	if st, ok := exactStatus[s]; ok {
		return st
	}
	for _, g := range statusGroups {
		for _, t := range g.terms {
			if strings.Contains(s, t) {
				return g.canonical
			}
		}
	}
	return models.StatusInactive
}

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail lowercases and trims an address. It does not validate.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidEmail reports whether the already-normalized address is acceptable as
// a logical employee key.
func ValidEmail(email string) bool {
	return emailRe.MatchString(email)
}
