package recovery

import "fmt"

// Error reports a document that is still not well-formed after repair. The
// whole document yields no records.
type Error struct {
	// Line is the 1-based line of the first syntax error, 0 if unknown.
	Line int

	// Msg is the parser diagnostic.
	Msg string

	Err error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("document recovery failed at line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("document recovery failed: %s", e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}
