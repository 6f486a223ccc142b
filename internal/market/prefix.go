package market

import (
	"fmt"
	"strings"
)

// Prefix returns the exchange prefix for a 6-digit A-share code.
//
// Shanghai: 600, 601, 603, 605, 688 -> "sh"
// Shenzhen: 000, 001, 002, 003, 300, 301 -> "sz"
// Beijing:  83, 87, 88, 920 -> "bj"
func Prefix(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return "", fmt.Errorf("invalid stock code: %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("invalid stock code: %q", code)
		}
	}

	switch {
	case strings.HasPrefix(code, "83"), strings.HasPrefix(code, "87"),
		strings.HasPrefix(code, "88"), strings.HasPrefix(code, "920"):
		return "bj", nil
	case strings.HasPrefix(code, "600"), strings.HasPrefix(code, "601"),
		strings.HasPrefix(code, "603"), strings.HasPrefix(code, "605"),
		strings.HasPrefix(code, "688"):
		return "sh", nil
	case strings.HasPrefix(code, "000"), strings.HasPrefix(code, "001"),
		strings.HasPrefix(code, "002"), strings.HasPrefix(code, "003"),
		strings.HasPrefix(code, "300"), strings.HasPrefix(code, "301"):
		return "sz", nil
	case strings.HasPrefix(code, "6"):
		return "sh", nil
	default:
		return "sz", nil
	}
}

// Qualified returns the prefixed symbol form used by most upstream APIs,
// e.g. "600000" -> "sh600000".
func Qualified(code string) (string, error) {
	p, err := Prefix(code)
	if err != nil {
		return "", err
	}
	return p + code, nil
}
