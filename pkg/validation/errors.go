package validation

import (
	"fmt"
	"strings"
)

// RootPointer addresses the whole resource model.
const RootPointer = "#"

// Violation is one validation failure located by a JSON pointer into the model.
type Violation struct {
	Pointer string `json:"pointer"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"` // validator that produced it, e.g. "schema" or a policy name
}

// Error carries every violation found in one model.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	switch len(e.Violations) {
	case 0:
		return "validation failed"
	case 1:
		v := e.Violations[0]
		return fmt.Sprintf("%s: %s", v.Pointer, v.Message)
	default:
		return fmt.Sprintf("%s: %d schema violations found", RootPointer, len(e.Violations))
	}
}

// Add appends a violation.
func (e *Error) Add(pointer, message, source string) {
	e.Violations = append(e.Violations, Violation{Pointer: pointer, Message: message, Source: source})
}

// OrNil returns e if it holds violations, otherwise nil.
func (e *Error) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// FormatMessage renders a validation failure for the caller. A single
// violation is folded into the summary; several are listed one per line.
func FormatMessage(e *Error) string {
	if e == nil || len(e.Violations) == 0 {
		return "Model validation failed with unknown cause."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model validation failed (%s)", e.Error())
	if len(e.Violations) > 1 {
		for _, v := range e.Violations {
			fmt.Fprintf(&b, "\n%s (%s)", v.Message, v.Pointer)
		}
	}
	return b.String()
}

// Pointer converts path segments into a "#/a/b" pointer, escaping per RFC 6901.
func Pointer(path []string) string {
	if len(path) == 0 {
		return RootPointer
	}
	var b strings.Builder
	b.WriteString(RootPointer)
	for _, p := range path {
		p = strings.ReplaceAll(p, "~", "~0")
		p = strings.ReplaceAll(p, "/", "~1")
		b.WriteString("/")
		b.WriteString(p)
	}
	return b.String()
}
