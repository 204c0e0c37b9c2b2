package store

import (
	"strconv"
	"strings"
)

// AnonymousIdentity marks a walk-in customer who did not give a RUT.
const AnonymousIdentity = "ANON"

// NormalizeRUT accepts "12.345.678-5", "12345678-5" or "123456785" (check
// digit K in either case) and returns the canonical "12345678-5" form. The
// anonymous sentinel is returned as is.
func NormalizeRUT(raw string) (string, bool) {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	if cleaned == AnonymousIdentity {
		return AnonymousIdentity, true
	}
	cleaned = strings.NewReplacer(".", "", "-", "", " ", "").Replace(cleaned)
	if len(cleaned) < 8 || len(cleaned) > 9 {
		return "", false
	}
	body, check := cleaned[:len(cleaned)-1], cleaned[len(cleaned)-1:]
	if !allDigits(body) || strings.HasPrefix(body, "0") {
		return "", false
	}
	if rutCheckDigit(body) != check {
		return "", false
	}
	return body + "-" + check, true
}

func rutCheckDigit(body string) string {
	sum := 0
	multiplier := 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * multiplier
		multiplier++
		if multiplier > 7 {
			multiplier = 2
		}
	}
	switch rest := 11 - sum%11; rest {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return strconv.Itoa(rest)
	}
}

func allDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
