package progression

import (
	"fmt"

	"mahoyaAPI/internal/apperr"
)

const DefaultTitle = "Iniciante"

type Title struct {
	Level int    `json:"level" db:"level"`
	Title string `json:"title" db:"title"`
}

// ResolveTitle picks the title of the highest entry whose level is <= level.
func ResolveTitle(level int, titles []Title) string {
	best := -1
	for i, t := range titles {
		if t.Level > level {
			continue
		}
		if best == -1 || t.Level >= titles[best].Level {
			best = i
		}
	}
	if best == -1 {
		return DefaultTitle
	}
	return titles[best].Title
}

// ValidateTitles rejects catalogs with duplicate levels or blank titles.
func ValidateTitles(titles []Title) error {
	seen := make(map[int]bool, len(titles))
	for _, t := range titles {
		if t.Title == "" {
			return fmt.Errorf("title for level %d is empty: %w", t.Level, apperr.ErrValidation)
		}
		if seen[t.Level] {
			return fmt.Errorf("duplicate title level %d: %w", t.Level, apperr.ErrValidation)
		}
		seen[t.Level] = true
	}
	return nil
}
