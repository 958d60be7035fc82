package compliance

import (
	"fmt"
	"strings"
)

// Category is a canonical PPE category.
type Category string

const (
	Helmet  Category = "helmet"
	Glasses Category = "glasses"
	Gloves  Category = "gloves"
	Boots   Category = "boots"
	Vest    Category = "vest"
	Shirt   Category = "shirt"
	Pants   Category = "pants"
	Mask    Category = "mask"
)

// Categories lists every canonical category in enumeration order.
var Categories = []Category{Helmet, Glasses, Gloves, Boots, Vest, Shirt, Pants, Mask}

// Enforced lists the categories a frame must satisfy to be compliant.
// Mask is counted and reported but never required.
var Enforced = []Category{Helmet, Glasses, Gloves, Boots, Vest, Shirt, Pants}

// synonyms maps each category to the raw detector labels that denote it.
// Labels are matched case-insensitively after trimming.
var synonyms = map[Category][]string{
	Helmet:  {"helmet", "hardhat", "hard_hat", "casco", "cascos"},
	Glasses: {"glasses", "safety_glasses", "goggles", "lentes"},
	Gloves:  {"gloves", "guantes"},
	Boots:   {"boots", "safety_boots", "botas"},
	Vest:    {"vest", "safety_vest", "safety vest", "chaleco", "chalecos"},
	Shirt:   {"shirt", "denim_shirt", "camisa", "camisa_jean"},
	Pants:   {"pants", "jeans", "denim_pants", "pantalon"},
	Mask:    {"mask", "face_mask", "barbijo"},
}

var labelIndex = mustBuildIndex(synonyms)

// buildIndex inverts a synonym table. It fails when a label belongs to more
// than one category or a category outside the enumeration is used.
func buildIndex(table map[Category][]string) (map[string]Category, error) {
	known := make(map[Category]bool, len(Categories))
	for _, c := range Categories {
		known[c] = true
	}

	index := make(map[string]Category)
	// Walk in enumeration order so the reported conflict is deterministic.
	for _, c := range Categories {
		for _, raw := range table[c] {
			label := normalizeLabel(raw)
			if label == "" {
				return nil, fmt.Errorf("category %s: empty synonym", c)
			}
			if prev, ok := index[label]; ok && prev != c {
				return nil, fmt.Errorf("label %q maps to both %s and %s", label, prev, c)
			}
			index[label] = c
		}
	}
	for c := range table {
		if !known[c] {
			return nil, fmt.Errorf("unknown category %q in synonym table", c)
		}
	}
	return index, nil
}

func mustBuildIndex(table map[Category][]string) map[string]Category {
	index, err := buildIndex(table)
	if err != nil {
		panic("compliance: invalid synonym table: " + err.Error())
	}
	return index
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MapLabel returns the canonical category for a raw detector label.
// Unknown labels report false and must be left out of compliance accounting.
func MapLabel(raw string) (Category, bool) {
	c, ok := labelIndex[normalizeLabel(raw)]
	return c, ok
}

// Synonyms returns a copy of the labels recognised for c.
func Synonyms(c Category) []string {
	return append([]string(nil), synonyms[c]...)
}

// IsEnforced reports whether c is required for compliance.
func IsEnforced(c Category) bool {
	for _, e := range Enforced {
		if e == c {
			return true
		}
	}
	return false
}
