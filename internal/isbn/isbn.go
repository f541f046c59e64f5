// Package isbn normalizes ISBN identifiers. Everything downstream of the
// handlers works exclusively with normalized ISBN-13 strings, so this is the
// only place that understands ISBN-10 and check digits.
package isbn

import (
	"errors"
	"strings"
)

// ErrInvalid is returned for inputs that aren't a valid ISBN-10 or ISBN-13.
var ErrInvalid = errors.New("invalid isbn")

// Normalize strips separators and upper-cases the input, converts ISBN-10 to
// ISBN-13 using the standard 978 prefix rule, and validates the check digit.
// It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	s := clean(raw)

	switch len(s) {
	case 10:
		if !validISBN10(s) {
			return "", ErrInvalid
		}
		return toISBN13(s), nil
	case 13:
		if !validISBN13(s) {
			return "", ErrInvalid
		}
		return s, nil
	default:
		return "", ErrInvalid
	}
}

// Valid reports whether the input normalizes cleanly.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// clean removes everything except digits and a trailing X check character.
func clean(raw string) string {
	var b strings.Builder
	b.Grow(13)
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if r >= '0' && r <= '9' || r == 'X' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validISBN10(s string) bool {
	sum := 0
	for i := 0; i < 10; i++ {
		var v int
		switch {
		case s[i] >= '0' && s[i] <= '9':
			v = int(s[i] - '0')
		case s[i] == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += (10 - i) * v
	}
	return sum%11 == 0
}

func validISBN13(s string) bool {
	sum := 0
	for i := 0; i < 13; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		v := int(s[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// toISBN13 prepends 978 to the ISBN-10 body and recomputes the check digit.
func toISBN13(s string) string {
	body := "978" + s[:9]
	sum := 0
	for i := 0; i < 12; i++ {
		v := int(body[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}
