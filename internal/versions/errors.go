package versions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a workbook, worksheet, commit or conflict outside the caller's workbook.
	ErrNotFound = errors.New("versions: not found")
	// ErrConflict indicates a stale base commit or a detected edit conflict.
	ErrConflict = errors.New("versions: conflict")
	// ErrValidation indicates a malformed request or ingestion payload.
	ErrValidation = errors.New("versions: validation failed")
	// ErrStorage indicates a failed transactional write or read; nothing was persisted.
	ErrStorage = errors.New("versions: storage failure")
)

// ServiceError carries a stable "package.operation.reason" code together with an
// error kind that callers match with errors.Is.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error kind sentinel.
func (e *ServiceError) Kind() error {
	return e.kind
}

// NewServiceError builds a ServiceError for the given operation and reason.
func NewServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// CellConflict describes one cell edited concurrently by two users.
type CellConflict struct {
	ConflictID    string
	WorksheetID   string
	Row           int
	Col           int
	Address       string
	TheirUserID   string
	TheirCommitID int64
	TheirValue    string
	TheirFormula  *string
	MineValue     string
	MineFormula   *string
}

// ConflictError rejects a commit. Without Cells it reports a stale write: the
// declared base was not HEAD when the transaction ran. Operation names the
// rejecting operation in Code and defaults to the version store's commit path.
type ConflictError struct {
	WorkbookID   string
	ExpectedHead int64
	ActualHead   int64
	Cells        []CellConflict
	Operation    string
}

func (e *ConflictError) Error() string {
	if len(e.Cells) == 0 {
		return fmt.Sprintf("versions: stale base commit %d for workbook %s (head is %d)", e.ExpectedHead, e.WorkbookID, e.ActualHead)
	}
	addresses := make([]string, 0, len(e.Cells))
	for _, cell := range e.Cells {
		addresses = append(addresses, cell.Address)
	}
	return fmt.Sprintf("versions: conflicting edits in workbook %s at %s", e.WorkbookID, strings.Join(addresses, ", "))
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Stale reports whether the error only signals a moved HEAD.
func (e *ConflictError) Stale() bool {
	return len(e.Cells) == 0
}

// Code returns the stable error code.
func (e *ConflictError) Code() string {
	operation := e.Operation
	if operation == "" {
		operation = opRecordCommit
	}
	if e.Stale() {
		return operation + ".stale_base"
	}
	return operation + ".cells_conflict"
}

// KindName maps an error onto the label exposed to API clients.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "storage_error"
	}
}

// CodeOf returns the stable error code when one is attached.
func CodeOf(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
