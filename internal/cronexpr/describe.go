package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
)

var monthNames = [...]string{"", "January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

var dayNames = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Describe renders expr as an English sentence, e.g. "At 09:00, Monday through Friday".
func Describe(expr string) (string, error) {
	s, err := Compile(expr)
	if err != nil {
		return "", err
	}
	return s.Describe(), nil
}

// Describe renders the schedule as an English sentence.
func (s *Schedule) Describe() string {
	p := s.parts
	var b strings.Builder
	b.WriteString(describeTime(p.Minute, p.Hour))

	if p.DayOfMonth != "*" {
		b.WriteString(", on day ")
		b.WriteString(describeList(p.DayOfMonth, strconv.Itoa))
		b.WriteString(" of the month")
	}
	if p.Month != "*" {
		b.WriteString(", in ")
		b.WriteString(describeList(p.Month, func(v int) string { return monthNames[v] }))
	}
	if p.DayOfWeek != "*" {
		b.WriteString(", ")
		if p.DayOfMonth != "*" {
			b.WriteString("only on ")
		}
		b.WriteString(describeList(p.DayOfWeek, func(v int) string { return dayNames[v] }))
	}
	return b.String()
}

func describeTime(minute, hour string) string {
	mv, mSingle := single(minute)
	hv, hSingle := single(hour)

	switch {
	case minute == "*" && hour == "*":
		return "Every minute"
	case mSingle && hSingle:
		return fmt.Sprintf("At %02d:%02d", hv, mv)
	case hour == "*":
		if n, ok := everyN(minute); ok {
			if n == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", n)
		}
		if mSingle {
			return fmt.Sprintf("At minute %d past every hour", mv)
		}
		return "At minutes " + describeList(minute, strconv.Itoa) + " past every hour"
	case mSingle:
		if n, ok := everyN(hour); ok {
			if n == 1 {
				return fmt.Sprintf("At minute %d past every hour", mv)
			}
			return fmt.Sprintf("At minute %d past every %d hours", mv, n)
		}
		return fmt.Sprintf("At minute %d past hour %s", mv, describeList(hour, strconv.Itoa))
	case minute == "*":
		return "Every minute during hour " + describeList(hour, strconv.Itoa)
	default:
		return "At minutes " + describeList(minute, strconv.Itoa) + " past hour " + describeList(hour, strconv.Itoa)
	}
}

// describeList renders a compiled-valid field; name maps a value to its label.
func describeList(part string, name func(int) string) string {
	items := strings.Split(part, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, describeItem(item, name))
	}
	if len(out) == 1 {
		return out[0]
	}
	return strings.Join(out[:len(out)-1], ", ") + " and " + out[len(out)-1]
}

func describeItem(item string, name func(int) string) string {
	base, stepText, hasStep := strings.Cut(item, "/")
	step, _ := strconv.Atoi(stepText)
	if step == 1 {
		hasStep = false
	}
	if base == "*" {
		if !hasStep {
			return "any"
		}
		return "every " + ordinal(step)
	}
	lo, hi, isRange := strings.Cut(base, "-")
	l, _ := strconv.Atoi(lo)
	if !isRange {
		return name(l)
	}
	h, _ := strconv.Atoi(hi)
	text := name(l) + " through " + name(h)
	if hasStep {
		text = "every " + ordinal(step) + " from " + text
	}
	return text
}

// ordinal renders 1 as "1st", 2 as "2nd", 11 as "11th" and so on
func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

func single(part string) (int, bool) {
	v, err := strconv.Atoi(part)
	return v, err == nil
}

func everyN(part string) (int, bool) {
	rest, ok := strings.CutPrefix(part, "*/")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}
