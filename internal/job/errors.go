package job

import "fmt"

// IntegrityViolation reports that a step expecting exactly one row got a
// different count.
type IntegrityViolation struct {
	Step string
	Want Cardinality
	Got  int
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation in step %s: expected %s row, got %d", e.Step, e.Want, e.Got)
}
