package types

import "strings"

// SubjectKind distinguishes the two kinds of places that get researched.
type SubjectKind string

const (
	KindVenue    SubjectKind = "venue"
	KindFoodHall SubjectKind = "food_hall"
)

// ParseSubjectKind accepts the kind names used on the CLI and API.
func ParseSubjectKind(raw string) (SubjectKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "venue", "venues":
		return KindVenue, true
	case "hall", "halls", "food_hall", "foodhall", "foodhalls":
		return KindFoodHall, true
	}
	return "", false
}

// Subject is a single venue or food hall to research.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	Name string      `json:"name"`
	// Source is stored as article_source on first insert.
	Source string `json:"source,omitempty"`
}

// SourceRecord attributes a stored field to the page it came from.
type SourceRecord struct {
	Source string `json:"source"`
	Label  string `json:"label"`
}
