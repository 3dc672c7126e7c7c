package warehouse

import (
	"fmt"
	"strings"
)

// ServiceError is any fault reported by the warehouse service: network,
// quota, permission or malformed SQL. It wraps the backend error verbatim.
type ServiceError struct {
	Op  string // "query", "create_table", "insert_rows", "open"
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("warehouse %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// NewServiceError wraps err, leaving nil as nil and existing ServiceErrors
// untouched.
func NewServiceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*ServiceError); ok {
		return se
	}
	return &ServiceError{Op: op, Err: err}
}

// TableCreationError reports a failed create-table request. Table creation is
// not idempotent, so callers treat it as fatal.
type TableCreationError struct {
	Table  TableRef
	Exists bool
	Denied bool
	Err    error
}

func (e *TableCreationError) Error() string {
	reason := "failed"
	switch {
	case e.Exists:
		reason = "already exists"
	case e.Denied:
		reason = "permission denied"
	}
	if e.Err == nil {
		return fmt.Sprintf("create table %s: %s", e.Table, reason)
	}
	return fmt.Sprintf("create table %s: %s: %v", e.Table, reason, e.Err)
}

func (e *TableCreationError) Unwrap() error { return e.Err }

// InsertionError describes one rejected row.
type InsertionError struct {
	RowIndex int
	Reason   string
}

func (e InsertionError) String() string {
	return fmt.Sprintf("row %d: %s", e.RowIndex, e.Reason)
}

// RowInsertionError reports a partial or total insert rejection. Rows that
// were accepted are not rolled back.
type RowInsertionError struct {
	Table    TableRef
	Total    int
	Rejected []InsertionError
}

func (e *RowInsertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "insert rows into %s: %d of %d rows rejected", e.Table, len(e.Rejected), e.Total)
	for i, r := range e.Rejected {
		if i == 3 {
			fmt.Fprintf(&b, "; ... %d more", len(e.Rejected)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(r.String())
	}
	return b.String()
}

// RejectAll builds one InsertionError per row with the same reason. SQL
// backends use it when a single multi-row statement is rejected as a whole.
func RejectAll(n int, reason string) []InsertionError {
	out := make([]InsertionError, n)
	for i := range out {
		out[i] = InsertionError{RowIndex: i, Reason: reason}
	}
	return out
}
