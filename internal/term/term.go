// Package term parses bond term and step length strings such as "365d",
// "26w", "6m" or "1y" into a number of days.
package term

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Unit lengths in days. A month is a flat 30 days and a year 365.
const (
	UnitDay   = "d"
	UnitWeek  = "w"
	UnitMonth = "m"
	UnitYear  = "y"
)

var unitDays = map[string]int64{
	UnitDay:   1,
	UnitWeek:  7,
	UnitMonth: 30,
	UnitYear:  365,
}

// termRegex matches: {amount}{unit}, amount may be fractional, unit optional
// (defaults to days). Examples: 365d, 26w, 0.5y, 90.
var termRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([dwmy]?)$`)

var (
	ErrInvalidTerm = errors.New("term: invalid term format")
	ErrZeroTerm    = errors.New("term: term must be positive")
)

// Term is a parsed duration measured in days.
type Term struct {
	Text string
	Days decimal.Decimal
}

// Parse parses and validates a term string.
// Format: {amount}[d|w|m|y]
func Parse(s string) (Term, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	matches := termRegex.FindStringSubmatch(text)
	if matches == nil {
		return Term{}, fmt.Errorf("%w: %q (expected {amount}[d|w|m|y])", ErrInvalidTerm, s)
	}

	amount, err := decimal.NewFromString(matches[1])
	if err != nil {
		return Term{}, fmt.Errorf("%w: amount %s", ErrInvalidTerm, matches[1])
	}
	unit := matches[2]
	if unit == "" {
		unit = UnitDay
	}

	days := amount.Mul(decimal.NewFromInt(unitDays[unit]))
	if !days.IsPositive() {
		return Term{}, fmt.Errorf("%w: %q", ErrZeroTerm, s)
	}
	return Term{Text: text, Days: days}, nil
}

// MustParse is Parse that panics on error. Intended for defaults and tests.
func MustParse(s string) Term {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the original text, or the day count when parsed from days.
func (t Term) String() string {
	if t.Text != "" {
		return t.Text
	}
	return t.Days.String() + UnitDay
}

// UnmarshalText implements encoding.TextUnmarshaler so TOML and JSON
// decoders accept term strings.
func (t *Term) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Term) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
