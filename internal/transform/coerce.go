package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sentinel strings the property rolls use for absent values.
var nullMarkers = map[string]bool{
	"":     true,
	"null": true,
	"none": true,
	"n/a":  true,
	"na":   true,
	"nan":  true,
	"-":    true,
}

// CleanText normalizes a free-text cell: trims, collapses internal runs of
// whitespace, strips NUL bytes, and maps empty to nil.
func CleanText(raw string) *string {
	cleaned := strings.ReplaceAll(raw, "\x00", "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

// CleanCode normalizes an identity or use code. Codes stay text so leading
// zeros survive; only surrounding whitespace and NULs are removed.
func CleanCode(raw string) *string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, "\x00", ""))
	if cleaned == "" || nullMarkers[strings.ToLower(cleaned)] {
		return nil
	}
	return &cleaned
}

// CleanNumeric parses a roll-formatted number. Currency symbols, percent
// signs, and thousands commas are stripped; accounting parentheses negate;
// the usual null markers map to nil.
func CleanNumeric(raw string) (*float64, error) {
	cleaned := strings.TrimSpace(raw)
	if nullMarkers[strings.ToLower(cleaned)] {
		return nil, nil
	}

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = cleaned[1 : len(cleaned)-1]
	}

	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, "%", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil, nil
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", raw)
	}
	if negative {
		value = -value
	}
	return &value, nil
}

// CleanInt parses an integer cell, accepting float representations that
// convert losslessly (rolls frequently render counts as "3.0").
func CleanInt(raw string) (*int, error) {
	value, err := CleanNumeric(raw)
	if err != nil || value == nil {
		return nil, err
	}
	if math.Mod(*value, 1) != 0 {
		return nil, fmt.Errorf("not an integer: %q", raw)
	}
	i := int(*value)
	return &i, nil
}

// CleanYear parses a four-digit year with a sanity range; zero means unknown
// on the rolls and maps to nil.
func CleanYear(raw string) (*int, error) {
	value, err := CleanInt(raw)
	if err != nil || value == nil {
		return nil, err
	}
	if *value == 0 {
		return nil, nil
	}
	if *value < 1600 || *value > 2100 {
		return nil, fmt.Errorf("year out of range: %q", raw)
	}
	return value, nil
}

// CleanMonth parses a 1..12 month; zero maps to nil.
func CleanMonth(raw string) (*int, error) {
	value, err := CleanInt(raw)
	if err != nil || value == nil {
		return nil, err
	}
	if *value == 0 {
		return nil, nil
	}
	if *value < 1 || *value > 12 {
		return nil, fmt.Errorf("month out of range: %q", raw)
	}
	return value, nil
}
