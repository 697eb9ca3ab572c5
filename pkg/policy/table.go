package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Table is the versioned policy configuration mapping intent category to the
// roles it requires and the resource classes it may touch. It is data, not
// code: editable and auditable without redeploying decision logic.
type Table struct {
	Version string           `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

type Entry struct {
	RequiredRoles   []string `json:"required_roles"`
	ResourceClasses []string `json:"resource_classes"`
	MinConfidence   float64  `json:"min_confidence"`
	OutOfScope      bool     `json:"out_of_scope,omitempty"`
}

type rawTable struct {
	Version string `json:"version"`
	Entries []struct {
		Category string `json:"category"`
		Entry
	} `json:"entries"`
}

// Parse reads a policy table. Duplicate categories are merged with the most
// restrictive result: required roles union, resource classes intersect,
// confidence threshold takes the maximum, and out_of_scope is sticky.
func Parse(raw []byte) (Table, error) {
	var rt rawTable
	if err := json.Unmarshal(raw, &rt); err != nil {
		return Table{}, fmt.Errorf("policy table: %w", err)
	}
	if strings.TrimSpace(rt.Version) == "" {
		return Table{}, fmt.Errorf("policy table: version required")
	}
	if len(rt.Entries) == 0 {
		return Table{}, fmt.Errorf("policy table: at least one entry required")
	}
	table := Table{Version: rt.Version, Entries: map[string]Entry{}}
	for _, item := range rt.Entries {
		category := strings.ToUpper(strings.TrimSpace(item.Category))
		if category == "" {
			return Table{}, fmt.Errorf("policy table: entry with empty category")
		}
		if item.MinConfidence < 0 || item.MinConfidence > 1 {
			return Table{}, fmt.Errorf("policy table: %s: min_confidence out of range", category)
		}
		entry := normalizeEntry(item.Entry)
		if existing, ok := table.Entries[category]; ok {
			entry = mergeRestrictive(existing, entry)
		}
		table.Entries[category] = entry
	}
	return table, nil
}

// Load reads a policy table from a file.
func Load(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("policy table: %w", err)
	}
	return Parse(raw)
}

func normalizeEntry(e Entry) Entry {
	e.RequiredRoles = normalizeSet(e.RequiredRoles)
	e.ResourceClasses = normalizeSet(e.ResourceClasses)
	return e
}

func normalizeSet(values []string) []string {
	set := map[string]struct{}{}
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func mergeRestrictive(a, b Entry) Entry {
	merged := Entry{
		RequiredRoles:   normalizeSet(append(append([]string{}, a.RequiredRoles...), b.RequiredRoles...)),
		ResourceClasses: intersect(a.ResourceClasses, b.ResourceClasses),
		MinConfidence:   a.MinConfidence,
		OutOfScope:      a.OutOfScope || b.OutOfScope,
	}
	if b.MinConfidence > merged.MinConfidence {
		merged.MinConfidence = b.MinConfidence
	}
	return merged
}

func intersect(a, b []string) []string {
	set := map[string]struct{}{}
	for _, v := range a {
		set[v] = struct{}{}
	}
	out := []string{}
	for _, v := range b {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
