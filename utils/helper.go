package utils

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseDecimal converts a string to a decimal.Decimal value.
// Thousands separators are tolerated ("12,500.00").
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}
