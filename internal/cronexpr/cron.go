// Package cronexpr parses and evaluates 5-field cron expressions at minute
// resolution.
//
// Supported field syntax: "*", a single value, lists ("1,4,7"), ranges
// ("1-5"), steps over the whole field ("*/15") and steps over a range
// ("0-30/5"). Day-of-week accepts 0-7 where both 0 and 7 mean Sunday.
//
// Day-of-month and day-of-week are combined with AND: "0 0 13 * 5" fires
// only on a Friday the 13th, not on every 13th and every Friday as classic
// cron would. Existing schedules depend on this, so it is fixed behavior.
//
// Everything here is pure and safe for concurrent use.
package cronexpr

import (
	"strconv"
	"strings"
	"time"
)

const (
	// maxSearchMinutes bounds the next-run search to one year.
	maxSearchMinutes = 525600
)

// Field identifies one of the five cron fields.
type Field int

const (
	FieldMinute Field = iota
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek
)

var fieldNames = [...]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

func (f Field) String() string {
	if f < FieldMinute || f > FieldDayOfWeek {
		return "unknown"
	}
	return fieldNames[f]
}

type bounds struct{ min, max int }

var fieldBounds = [...]bounds{
	FieldMinute:     {0, 59},
	FieldHour:       {0, 23},
	FieldDayOfMonth: {1, 31},
	FieldMonth:      {1, 12},
	FieldDayOfWeek:  {0, 7},
}

// Parts holds the raw text of each field of an expression.
type Parts struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"day_of_week"`
}

func (p Parts) field(f Field) string {
	switch f {
	case FieldMinute:
		return p.Minute
	case FieldHour:
		return p.Hour
	case FieldDayOfMonth:
		return p.DayOfMonth
	case FieldMonth:
		return p.Month
	default:
		return p.DayOfWeek
	}
}

// term is one comma-separated element of a field.
type term struct {
	any    bool
	lo, hi int
	step   int
}

func (t term) matches(v int) bool {
	if v < 0 {
		return false
	}
	if t.any {
		return t.step <= 1 || v%t.step == 0
	}
	if v < t.lo || v > t.hi {
		return false
	}
	return t.step <= 1 || (v-t.lo)%t.step == 0
}

type matcher []term

func (m matcher) matches(v int) bool {
	for _, t := range m {
		if t.matches(v) {
			return true
		}
	}
	return false
}

// Schedule is a compiled expression.
type Schedule struct {
	expr   string
	parts  Parts
	fields [5]matcher
}

// Parse splits and validates an expression.
func Parse(expr string) (Parts, error) {
	s, err := Compile(expr)
	if err != nil {
		return Parts{}, err
	}
	return s.parts, nil
}

// Compile parses an expression into a Schedule that can be evaluated repeatedly.
func Compile(expr string) (*Schedule, error) {
	fs := strings.Fields(expr)
	if len(fs) != 5 {
		return nil, &ParseError{
			Expression: expr,
			Field:      "",
			Reason:     "expected 5 fields, got " + strconv.Itoa(len(fs)),
		}
	}

	s := &Schedule{
		expr: strings.Join(fs, " "),
		parts: Parts{
			Minute:     fs[0],
			Hour:       fs[1],
			DayOfMonth: fs[2],
			Month:      fs[3],
			DayOfWeek:  fs[4],
		},
	}
	for i, raw := range fs {
		f := Field(i)
		m, err := parseField(raw, fieldBounds[f])
		if err != nil {
			return nil, &ParseError{Expression: expr, Field: f.String(), Reason: err.Error()}
		}
		s.fields[f] = m
	}
	return s, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Schedule {
	s, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the normalized expression.
func (s *Schedule) String() string { return s.expr }

// Parts returns the raw fields.
func (s *Schedule) Parts() Parts { return s.parts }

// Matches reports whether t, in its own location, satisfies all five fields.
func (s *Schedule) Matches(t time.Time) bool {
	return s.fields[FieldMinute].matches(t.Minute()) &&
		s.fields[FieldHour].matches(t.Hour()) &&
		s.fields[FieldDayOfMonth].matches(t.Day()) &&
		s.fields[FieldMonth].matches(int(t.Month())) &&
		matchesWeekday(s.fields[FieldDayOfWeek], int(t.Weekday()))
}

// Next returns the first matching minute strictly after from, evaluated in
// from's location. ok is false when nothing matches within a year.
func (s *Schedule) Next(from time.Time) (time.Time, bool) {
	loc := from.Location()
	t := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, loc).
		Add(time.Minute)

	for i := 0; i < maxSearchMinutes; i++ {
		if s.Matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// NextOrFallback is Next with the liveness fallback applied: when no match
// exists within a year it returns midnight of the day after from. The
// fallback only keeps callers from stalling on schedules such as "0 0 31 2 *";
// the returned instant does not satisfy the expression.
func (s *Schedule) NextOrFallback(from time.Time) time.Time {
	if next, ok := s.Next(from); ok {
		return next
	}
	y, m, d := from.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, from.Location())
}

// NextRunTime returns the next run of expr strictly after from, at minute
// resolution, in from's location. See NextOrFallback for the behavior on
// expressions that never match.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	s, err := Compile(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.NextOrFallback(from), nil
}

// NextRunTimeIn evaluates expr in the named IANA timezone.
func NextRunTimeIn(expr, timezone string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, &ParseError{Expression: expr, Field: "timezone", Reason: err.Error()}
		}
		loc = l
	}
	return NextRunTime(expr, from.In(loc))
}

// IsValid reports whether expr parses and can be evaluated.
func IsValid(expr string) bool {
	_, err := NextRunTime(expr, time.Now())
	return err == nil
}

// MatchesPart reports whether v satisfies a single field expression. Steps
// over "*" are taken from zero, so "*/15" matches every multiple of 15.
// Unparseable parts match nothing.
func MatchesPart(part string, v int) bool {
	m, err := parseField(part, bounds{0, int(^uint(0) >> 1)})
	if err != nil {
		return false
	}
	return m.matches(v)
}

// MatchesDayOfWeek reports whether weekday d satisfies a day-of-week field,
// treating 7 as Sunday on both sides.
func MatchesDayOfWeek(part string, d int) bool {
	m, err := parseField(part, fieldBounds[FieldDayOfWeek])
	if err != nil {
		return false
	}
	return matchesWeekday(m, d)
}

func matchesWeekday(m matcher, d int) bool {
	d = ((d % 7) + 7) % 7
	if m.matches(d) {
		return true
	}
	return d == 0 && m.matches(7)
}

func parseField(raw string, b bounds) (matcher, error) {
	if raw == "" {
		return nil, errReason("empty field")
	}
	items := strings.Split(raw, ",")
	m := make(matcher, 0, len(items))
	for _, item := range items {
		t, err := parseTerm(item, b)
		if err != nil {
			return nil, err
		}
		m = append(m, t)
	}
	return m, nil
}

func parseTerm(item string, b bounds) (term, error) {
	if item == "" {
		return term{}, errReason("empty list element")
	}

	base, stepText, hasStep := strings.Cut(item, "/")
	t := term{step: 1}
	if hasStep {
		step, err := strconv.Atoi(stepText)
		if err != nil || step <= 0 {
			return term{}, errReason("invalid step " + strconv.Quote(stepText))
		}
		t.step = step
	}

	if base == "*" {
		t.any = true
		return t, nil
	}

	loText, hiText, isRange := strings.Cut(base, "-")
	if hasStep && !isRange {
		return term{}, errReason("step requires '*' or a range, got " + strconv.Quote(item))
	}

	lo, err := parseValue(loText, b)
	if err != nil {
		return term{}, err
	}
	hi := lo
	if isRange {
		hi, err = parseValue(hiText, b)
		if err != nil {
			return term{}, err
		}
		if lo > hi {
			return term{}, errReason("range start " + loText + " is after end " + hiText)
		}
	}
	t.lo, t.hi = lo, hi
	return t, nil
}

func parseValue(text string, b bounds) (int, error) {
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, errReason("invalid value " + strconv.Quote(text))
	}
	if v < b.min || v > b.max {
		return 0, errReason("value " + text + " out of range " + strconv.Itoa(b.min) + "-" + strconv.Itoa(b.max))
	}
	return v, nil
}
