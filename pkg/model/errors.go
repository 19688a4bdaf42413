package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code. The wire codes are returned
// by the REST API; the remaining codes classify pipeline and run failures.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

const (
	CodeMissingParameter     ErrorCode = "MissingParameter"
	CodeOutOfScopeInput      ErrorCode = "OutOfScopeInput"
	CodeModuleCycle          ErrorCode = "ModuleCycle"
	CodeEmptyPipeline        ErrorCode = "EmptyPipeline"
	CodeUnresolvedParameter  ErrorCode = "UnresolvedParameter"
	CodeUnsupportedInputKind ErrorCode = "UnsupportedInputKind"
	CodeAggregatedValidation ErrorCode = "AggregatedValidationError"
	CodeMalformedTemplate    ErrorCode = "MalformedTemplate"
	CodeNestedBuildConflict  ErrorCode = "NestedBuildConflict"
	CodeBuilderMisuse        ErrorCode = "BuilderContextMisuse"
	CodeOsMismatch           ErrorCode = "OsMismatch"
	CodeDockerUnavailable    ErrorCode = "DockerUnavailable"
	CodeOrchestratorError    ErrorCode = "OrchestratorError"
	CodeNodeFailed           ErrorCode = "NodeFailed"
	CodeUnsupportedDatastore ErrorCode = "UnsupportedDatastore"
	CodeRunFailed            ErrorCode = "RunFailed"
	CodeInvalidArgument      ErrorCode = "InvalidArgument"
	CodeTransport            ErrorCode = "TransportError"
	CodeCanceled             ErrorCode = "Canceled"
)

// ErrorKind groups error codes by who has to act on them.
type ErrorKind string

const (
	KindUser         ErrorKind = "UserError"
	KindValidation   ErrorKind = "ValidationError"
	KindTransport    ErrorKind = "TransportError"
	KindExecution    ErrorKind = "ExecutionError"
	KindCancellation ErrorKind = "CancellationError"
)

// Error is the structured error used across composition, validation,
// submission and execution.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Subject names the parameter, input, node or datastore the error is about.
	Subject string `json:"subject,omitempty"`
	// Nodes holds the cycle for ModuleCycle, in traversal order.
	Nodes []string `json:"nodes,omitempty"`
	// ExitCode is set for NodeFailed.
	ExitCode int `json:"exit_code,omitempty"`
	// Details carries per-node payloads for run failures.
	Details []*Error `json:"details,omitempty"`
	Err     error    `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. A target with
// an empty Code matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// HasCode reports whether err, or any error it wraps, is an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

// HasKind reports whether err wraps an *Error of the given kind.
func HasKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// NewUserError reports misuse of the composition or submission API.
func NewUserError(format string, args ...any) *Error {
	return &Error{Kind: KindUser, Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// MissingParameter reports a required parameter left unbound on a node.
func MissingParameter(node, param string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeMissingParameter,
		Subject: param,
		Message: fmt.Sprintf("node %q: required parameter %q is not bound", node, param),
	}
}

// OutOfScopeInput reports an input source that is not reachable from the
// pipeline scope it is used in.
func OutOfScopeInput(name string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeOutOfScopeInput,
		Subject: name,
		Message: fmt.Sprintf("input source %q is not in scope", name),
	}
}

// ModuleCycle reports a dependency cycle; nodes are in traversal order.
func ModuleCycle(nodes []string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeModuleCycle,
		Nodes:   nodes,
		Message: "pipeline contains a cycle: " + strings.Join(nodes, " -> "),
	}
}

// EmptyPipeline reports a pipeline without child nodes.
func EmptyPipeline(name string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeEmptyPipeline,
		Subject: name,
		Message: fmt.Sprintf("pipeline %q has no nodes", name),
	}
}

// UnresolvedParameter reports a parameter with no value at materialization.
func UnresolvedParameter(name string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeUnresolvedParameter,
		Subject: name,
		Message: fmt.Sprintf("parameter %q has no value", name),
	}
}

// UnsupportedInputKind reports an input source that cannot be materialized.
func UnsupportedInputKind(kind string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeUnsupportedInputKind,
		Subject: kind,
		Message: fmt.Sprintf("unsupported input kind %q", kind),
	}
}

// MalformedTemplate reports a parameter-assignment template that cannot be parsed.
func MalformedTemplate(template, reason string) *Error {
	return &Error{
		Kind:    KindUser,
		Code:    CodeMalformedTemplate,
		Subject: template,
		Message: fmt.Sprintf("malformed template %q: %s", template, reason),
	}
}

// NestedBuildConflict reports a build frame opened under a finalized parent.
func NestedBuildConflict(name string) *Error {
	return &Error{
		Kind:    KindUser,
		Code:    CodeNestedBuildConflict,
		Subject: name,
		Message: fmt.Sprintf("pipeline %q is already finalized", name),
	}
}

// BuilderContextMisuse reports a node added through a frame that is not active.
func BuilderContextMisuse(format string, args ...any) *Error {
	return &Error{Kind: KindUser, Code: CodeBuilderMisuse, Message: fmt.Sprintf(format, args...)}
}

// OsMismatch reports a component OS that the Docker daemon cannot run.
func OsMismatch(component, daemon string) *Error {
	return &Error{
		Kind:    KindExecution,
		Code:    CodeOsMismatch,
		Subject: component,
		Message: fmt.Sprintf("component targets %s containers but the docker daemon runs %s containers", component, daemon),
	}
}

// DockerUnavailable reports that Docker was requested but cannot be reached.
func DockerUnavailable(err error) *Error {
	return &Error{Kind: KindExecution, Code: CodeDockerUnavailable, Message: "docker is not available", Err: err}
}

// OrchestratorError wraps an internal failure while running a node.
func OrchestratorError(node string, err error) *Error {
	return &Error{Kind: KindExecution, Code: CodeOrchestratorError, Subject: node, Message: "node " + node, Err: err}
}

// NodeFailed reports a node whose command exited non-zero.
func NodeFailed(node string, exitCode int) *Error {
	return &Error{
		Kind:     KindExecution,
		Code:     CodeNodeFailed,
		Subject:  node,
		ExitCode: exitCode,
		Message:  fmt.Sprintf("node %q exited with code %d", node, exitCode),
	}
}

// UnsupportedDatastore reports an output location the transport cannot download.
func UnsupportedDatastore(kind string) *Error {
	return &Error{
		Kind:    KindUser,
		Code:    CodeUnsupportedDatastore,
		Subject: kind,
		Message: fmt.Sprintf("downloading from %q datastores is not supported", kind),
	}
}

// TransportError wraps a failure of the remote transport after retries.
func TransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeTransport, Subject: op, Message: op, Err: err}
}

// Cancellation is raised into waiters only; the run itself keeps going.
func Cancellation(msg string, err error) *Error {
	return &Error{Kind: KindCancellation, Code: CodeCanceled, Message: msg, Err: err}
}

// AggregatedValidationError collects every diagnostic of a validation pass.
type AggregatedValidationError struct {
	Diagnostics []*Error
}

func (e *AggregatedValidationError) Error() string {
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		parts = append(parts, d.Error())
	}
	return fmt.Sprintf("%s: %d problem(s): %s", CodeAggregatedValidation, len(e.Diagnostics), strings.Join(parts, "; "))
}

func (e *AggregatedValidationError) Unwrap() []error {
	errs := make([]error, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		errs[i] = d
	}
	return errs
}

// APIError is a structured error returned by the REST API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
