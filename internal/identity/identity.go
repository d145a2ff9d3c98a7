// Package identity validates national identifiers.
//
// An identifier is a 9-digit string whose last digit is a check digit over
// the first eight. Shorter numeric input is left-padded with zeros before the
// check. The weighted-digit rule: digit i (0-indexed) is multiplied by 1 when
// i is even and by 2 when i is odd, products of 10 or more have 9 subtracted,
// and the identifier is valid when the sum is divisible by 10.
package identity

import (
	"strings"
)

// Length is the canonical width of an identifier.
const Length = 9

// MinDigits is the shortest raw numeric form accepted as an identifier
// candidate before zero padding.
const MinDigits = 7

// IsValid reports whether candidate, zero-padded to 9 digits, passes the
// checksum. It never panics; non-numeric or over-long input returns false.
func IsValid(candidate string) bool {
	if candidate == "" || len(candidate) > Length {
		return false
	}
	for i := 0; i < len(candidate); i++ {
		if candidate[i] < '0' || candidate[i] > '9' {
			return false
		}
	}

	padded := pad(candidate)
	sum := 0
	for i := 0; i < Length; i++ {
		p := int(padded[i]-'0') * (1 + i%2)
		if p >= 10 {
			p -= 9
		}
		sum += p
	}
	return sum%10 == 0
}

// Normalize converts a raw cell into canonical 9-digit form.
//
// Accepted shapes are a plain number of 7 to 9 digits (spreadsheet float
// renderings like "12345678.0" included) and the hyphenated form
// "DDDDDDDD-D". The boolean is true only when the result passes IsValid.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")

	if len(s) == Length+1 && s[Length-1] == '-' {
		s = s[:Length-1] + s[Length:]
	}

	if len(s) < MinDigits || len(s) > Length || !isDigits(s) {
		return "", false
	}

	s = pad(s)
	return s, IsValid(s)
}

// Complete appends the check digit to an 8-digit body, returning a valid
// identifier. The boolean is false when body is not exactly 8 digits.
func Complete(body string) (string, bool) {
	if len(body) != Length-1 || !isDigits(body) {
		return "", false
	}
	sum := 0
	for i := 0; i < Length-1; i++ {
		p := int(body[i]-'0') * (1 + i%2)
		if p >= 10 {
			p -= 9
		}
		sum += p
	}
	return body + string(rune('0'+(10-sum%10)%10)), true
}

func pad(s string) string {
	if len(s) >= Length {
		return s
	}
	return strings.Repeat("0", Length-len(s)) + s
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
