package cronexpr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrInvalidExpression is matched by every ParseError via errors.Is.
var ErrInvalidExpression = errors.New("invalid cron expression")

// ParseError describes why an expression was rejected.
type ParseError struct {
	Expression string
	// Field is the offending field name, empty when the field count is wrong.
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid cron expression %q: %s", e.Expression, e.Reason)
	}
	return fmt.Sprintf("invalid cron expression %q: %s: %s", e.Expression, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidExpression) hold.
func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidExpression
}

type errReason string

func (r errReason) Error() string { return string(r) }
