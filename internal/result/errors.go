// Package result defines the error taxonomy shared by the entry store, the
// task engine and the replication layer.
//
// Errors fall into two propagation classes. Construction-time errors
// (validation failures, name collisions, missing targets) are surfaced
// immediately to the caller. Execution-time errors (agreement send failures,
// non-zero task exit codes) are recorded in component state and observed by
// polling; they are never raised at creation time.
package result

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Category classifies an operation error for logging and retry decisions.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryConflict   Category = "conflict"
	CategoryConnection Category = "connection"
	CategoryTask       Category = "task"
	CategoryServer     Category = "server"
	CategoryUnknown    Category = "unknown"
)

// Sentinel errors. Callers match these with errors.Is; the concrete
// *OperationError carries the LDAP result code and operation context.
var (
	ErrNoSuchObject        = errors.New("no such object")
	ErrAlreadyExists       = errors.New("entry already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNoSuchAttribute     = errors.New("no such attribute")
	ErrNotAllowedOnNonLeaf = errors.New("not allowed on non-leaf")
	ErrTransient           = errors.New("transient failure")
	ErrTaskFailed          = errors.New("task failed")
)

// OperationError is the structured error returned by directory operations.
// It carries the LDAP result code so client tooling that speaks the wire
// protocol's vocabulary can translate without string matching.
type OperationError struct {
	Op        string // operation that failed ("add", "modify", "task create", ...)
	Code      uint16 // LDAP result code
	Category  Category
	DN        string // DN involved, if any
	Message   string
	Retryable bool
	Cause     error
}

func (e *OperationError) Error() string {
	var parts []string
	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("%s failed (code %d)", e.Op, e.Code))
	} else {
		parts = append(parts, fmt.Sprintf("%s failed", e.Op))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}
	return strings.Join(parts, ": ")
}

func (e *OperationError) Unwrap() error { return e.Cause }

// IsRetryable reports whether retrying the operation could succeed.
func (e *OperationError) IsRetryable() bool { return e.Retryable }

// NoSuchObject reports that the target DN was absent at operation time.
func NoSuchObject(op, dn string) *OperationError {
	return &OperationError{
		Op:       op,
		Code:     ldap.LDAPResultNoSuchObject,
		Category: CategoryNotFound,
		DN:       dn,
		Cause:    ErrNoSuchObject,
	}
}

// AlreadyExists reports a name collision on creation.
func AlreadyExists(op, dn string) *OperationError {
	return &OperationError{
		Op:       op,
		Code:     ldap.LDAPResultEntryAlreadyExists,
		Category: CategoryConflict,
		DN:       dn,
		Cause:    ErrAlreadyExists,
	}
}

// InvalidArgument reports missing or contradictory parameters. No state is
// created when this is returned.
func InvalidArgument(op, format string, args ...any) *OperationError {
	return &OperationError{
		Op:       op,
		Code:     ldap.LDAPResultUnwillingToPerform,
		Category: CategoryValidation,
		Message:  fmt.Sprintf(format, args...),
		Cause:    ErrInvalidArgument,
	}
}

// NoSuchAttribute reports a modify delete of a value that is not present.
func NoSuchAttribute(op, dn, attr string) *OperationError {
	return &OperationError{
		Op:       op,
		Code:     ldap.LDAPResultNoSuchAttribute,
		Category: CategoryValidation,
		DN:       dn,
		Message:  fmt.Sprintf("attribute %q", attr),
		Cause:    ErrNoSuchAttribute,
	}
}

// NotAllowedOnNonLeaf reports a delete or rename of an entry with children.
func NotAllowedOnNonLeaf(op, dn string) *OperationError {
	return &OperationError{
		Op:       op,
		Code:     ldap.LDAPResultNotAllowedOnNonLeaf,
		Category: CategoryValidation,
		DN:       dn,
		Cause:    ErrNotAllowedOnNonLeaf,
	}
}

// Transient wraps a network-class failure that the caller may retry with
// backoff.
func Transient(op string, cause error) *OperationError {
	return &OperationError{
		Op:        op,
		Code:      ldap.LDAPResultUnavailable,
		Category:  CategoryConnection,
		Message:   cause.Error(),
		Retryable: true,
		Cause:     fmt.Errorf("%w: %w", ErrTransient, cause),
	}
}

// TaskFailed reports a task that completed with a non-zero exit code. It is
// only ever observed through polling, never at creation time.
func TaskFailed(op, dn string, exitCode int) *OperationError {
	return &OperationError{
		Op:       op,
		Code:     ldap.LDAPResultOther,
		Category: CategoryTask,
		DN:       dn,
		Message:  fmt.Sprintf("exit code %d", exitCode),
		Cause:    ErrTaskFailed,
	}
}

// Categorize maps an LDAP result code onto an error category.
func Categorize(code uint16) Category {
	switch code {
	case ldap.LDAPResultNoSuchObject:
		return CategoryNotFound
	case ldap.LDAPResultEntryAlreadyExists, ldap.LDAPResultAttributeOrValueExists:
		return CategoryConflict
	case ldap.LDAPResultUnwillingToPerform,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf,
		ldap.LDAPResultNamingViolation:
		return CategoryValidation
	case ldap.LDAPResultBusy, ldap.LDAPResultUnavailable, ldap.LDAPResultServerDown:
		return CategoryConnection
	case ldap.LDAPResultOperationsError, ldap.LDAPResultOther:
		return CategoryServer
	default:
		return CategoryUnknown
	}
}

// IsCodeRetryable reports whether a result code represents a condition that
// may clear on retry.
func IsCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy, ldap.LDAPResultUnavailable, ldap.LDAPResultServerDown,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// CategoryOf classifies any error for logging: structured operation
// errors carry their category, raw LDAP errors are classified by result
// code, everything else is unknown.
func CategoryOf(err error) Category {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Category
	}
	var le *ldap.Error
	if errors.As(err, &le) {
		return Categorize(le.ResultCode)
	}
	return CategoryUnknown
}

// Retryable reports whether retrying the failed operation could succeed.
// Errors of unknown provenance count as retryable; only a definitely
// permanent result code rules a retry out.
func Retryable(err error) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	var le *ldap.Error
	if errors.As(err, &le) {
		return IsCodeRetryable(le.ResultCode)
	}
	return true
}
