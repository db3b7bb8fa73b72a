package models

import (
	"errors"
	"fmt"
	"strings"
)

// Category is a kind of content an image can be checked for.
type Category string

const (
	CategoryNudity    Category = "nudity"
	CategoryGore      Category = "gore"
	CategoryViolence  Category = "violence"
	CategoryWeapons   Category = "weapons"
	CategoryDrugs     Category = "drugs"
	CategoryFaces     Category = "faces"     // any face: kids, women, men
	CategoryBodies    Category = "bodies"    // any not nude body part except the head
	CategorySymbolism Category = "symbolism" // symbols of extremism

	// Document categories.
	CategoryPassport      Category = "passport"
	CategoryDriverLicense Category = "driver_license"
)

// AllCategories lists every supported category in canonical order.
var AllCategories = []Category{
	CategoryNudity,
	CategoryGore,
	CategoryViolence,
	CategoryWeapons,
	CategoryDrugs,
	CategoryFaces,
	CategoryBodies,
	CategorySymbolism,
	CategoryPassport,
	CategoryDriverLicense,
}

// ErrUnknownCategory is wrapped by ParseCategory for values outside the enumeration.
var ErrUnknownCategory = errors.New("unknown category")

// ParseCategory converts a wire value into a Category. Matching is
// case-insensitive and accepts "driver license" for driver_license.
func ParseCategory(s string) (Category, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, " ", "_")
	v = strings.ReplaceAll(v, "-", "_")
	for _, c := range AllCategories {
		if string(c) == v {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// NormalizeCategories parses, deduplicates and orders raw category values.
// An empty input selects every category.
func NormalizeCategories(raw []string) ([]Category, error) {
	seen := make(map[Category]bool, len(raw))
	for _, r := range raw {
		c, err := ParseCategory(r)
		if err != nil {
			return nil, err
		}
		seen[c] = true
	}
	if len(seen) == 0 {
		return append([]Category(nil), AllCategories...), nil
	}
	out := make([]Category, 0, len(seen))
	for _, c := range AllCategories {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out, nil
}
