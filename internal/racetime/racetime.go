// Package racetime converts between the canonical storage form of a
// track time (decimal seconds, two fractional digits) and the display
// form "M:SS.cc" used on entry forms, start lists and programs.
package racetime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var sixty = decimal.NewFromInt(60)

// Parse converts "M:SS.cc" or "MM:SS.cc" to decimal seconds.
// Seconds must be below 60 and carry at most two fractional digits,
// so that Format(Parse(x)) is the canonical form of every valid x.
func Parse(s string) (decimal.Decimal, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return decimal.Zero, fmt.Errorf("invalid time format %q (want M:SS.cc)", s)
	}

	minutes, err := strconv.Atoi(parts[0])
	if err != nil || minutes < 0 {
		return decimal.Zero, fmt.Errorf("invalid minutes in %q", s)
	}

	seconds, err := decimal.NewFromString(parts[1])
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid seconds in %q", s)
	}
	if seconds.IsNegative() || seconds.GreaterThanOrEqual(sixty) {
		return decimal.Zero, fmt.Errorf("seconds out of range in %q", s)
	}
	if seconds.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("too many fractional digits in %q", s)
	}

	return decimal.NewFromInt(int64(minutes)).Mul(sixty).Add(seconds), nil
}

// ParseFlexible accepts the display form "M:SS.cc" or plain decimal
// seconds, as typed on a command line.
func ParseFlexible(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if strings.Contains(trimmed, ":") {
		return Parse(trimmed)
	}
	seconds, err := decimal.NewFromString(trimmed)
	if err != nil || seconds.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid time %q (want M:SS.cc or seconds)", s)
	}
	if seconds.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("too many fractional digits in %q", s)
	}
	return seconds, nil
}

// Format converts decimal seconds to "M:SS.cc". Seconds are
// zero-padded to five characters, e.g. 930.00 → "15:30.00",
// 65.5 → "1:05.50".
func Format(total decimal.Decimal) string {
	minutes := total.Div(sixty).Floor()
	seconds := total.Sub(minutes.Mul(sixty))

	sec := seconds.StringFixed(2) // "SS.cc"
	if len(sec) < 5 {
		sec = "0" + sec
	}
	return fmt.Sprintf("%s:%s", minutes.String(), sec)
}

// Canonicalize parses and re-formats a time string, returning its
// canonical display form.
func Canonicalize(s string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}
