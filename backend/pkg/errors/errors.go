package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeLayer represents layer model and dependency errors
	ErrorTypeLayer ErrorType = "layer"
	// ErrorTypeGraph represents layered graph structure errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeStore represents external graph store errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeSerialization represents property bag encode/decode errors
	ErrorTypeSerialization ErrorType = "serialization"
	// ErrorTypeExtraction represents LLM extraction boundary errors
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// ErrorType returns the category; promoted to every typed wrapper
func (e *BaseError) ErrorType() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Entity kinds used in not-found and integrity errors
const (
	KindGraph = "graph"
	KindLayer = "layer"
	KindNode  = "node"
	KindEdge  = "edge"
)

// Graph Errors

// ErrNotFound is returned when a graph, layer, node or edge id does not exist
type ErrNotFound struct {
	*BaseError
	Kind string
	ID   string
}

func NewNotFound(kind, id string) *ErrNotFound {
	return &ErrNotFound{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("%s with id %s not found", kind, id), nil),
		Kind:      kind,
		ID:        id,
	}
}

// ErrReferentialIntegrity is returned when an edge endpoint or a parent layer
// does not exist at insertion time
type ErrReferentialIntegrity struct {
	*BaseError
	Kind      string
	ID        string
	MissingID string
}

func NewReferentialIntegrity(kind, id, missingKind, missingID string) *ErrReferentialIntegrity {
	return &ErrReferentialIntegrity{
		BaseError: NewBaseError(ErrorTypeGraph,
			fmt.Sprintf("%s %s references missing %s %s", kind, id, missingKind, missingID), nil),
		Kind:      kind,
		ID:        id,
		MissingID: missingID,
	}
}

// ErrDuplicateID is returned when an id is reused inside one layered graph
type ErrDuplicateID struct {
	*BaseError
	Kind string
	ID   string
}

func NewDuplicateID(kind, id string) *ErrDuplicateID {
	return &ErrDuplicateID{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("%s with id %s already exists", kind, id), nil),
		Kind:      kind,
		ID:        id,
	}
}

// ErrCycleDetected is returned by mutations that would introduce a cycle in
// the parent-layer relation. Read queries report cycles as data instead.
type ErrCycleDetected struct {
	*BaseError
	LayerIDs []string
}

func NewCycleDetected(layerIDs ...string) *ErrCycleDetected {
	return &ErrCycleDetected{
		BaseError: NewBaseError(ErrorTypeLayer,
			fmt.Sprintf("cycle detected among layers: %s", strings.Join(layerIDs, ", ")), nil),
		LayerIDs: layerIDs,
	}
}

// ErrInvalidArgument is returned when an operation receives unusable input
type ErrInvalidArgument struct {
	*BaseError
	Field string
}

func NewInvalidArgument(field, reason string) *ErrInvalidArgument {
	return &ErrInvalidArgument{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("invalid %s: %s", field, reason), nil),
		Field:     field,
	}
}

// Serialization Errors

// ErrSerialization is returned when a properties or metadata bag cannot be
// encoded for, or decoded from, the store
type ErrSerialization struct {
	*BaseError
	Field   string
	OwnerID string
}

func NewSerialization(field, ownerID string, err error) *ErrSerialization {
	return &ErrSerialization{
		BaseError: NewBaseError(ErrorTypeSerialization, fmt.Sprintf("cannot serialize %s of %s", field, ownerID), err),
		Field:     field,
		OwnerID:   ownerID,
	}
}

// Store Errors

// ErrStoreBatchFailed is returned when one batch of a store operation fails.
// Earlier batches may already be applied.
type ErrStoreBatchFailed struct {
	*BaseError
	Stage string
	Batch int
	Size  int
}

func NewStoreBatchFailed(stage string, batch, size int, err error) *ErrStoreBatchFailed {
	return &ErrStoreBatchFailed{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("%s batch %d (%d writes) failed", stage, batch, size), err),
		Stage:     stage,
		Batch:     batch,
		Size:      size,
	}
}

// ErrStoreQueryFailed is returned when a store query fails
type ErrStoreQueryFailed struct {
	*BaseError
	Operation string
}

func NewStoreQueryFailed(operation string, err error) *ErrStoreQueryFailed {
	return &ErrStoreQueryFailed{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("store operation failed: %s", operation), err),
		Operation: operation,
	}
}

// ErrStoreConnectionFailed is returned when the store cannot be opened
type ErrStoreConnectionFailed struct {
	*BaseError
	Target string
}

func NewStoreConnectionFailed(target string, err error) *ErrStoreConnectionFailed {
	return &ErrStoreConnectionFailed{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("failed to connect to graph store: %s", target), err),
		Target:    target,
	}
}

// Extraction Errors

// ErrExtractionFailed is returned when the LLM boundary fails or returns
// output that does not conform to the requested schema
type ErrExtractionFailed struct {
	*BaseError
	Model     string
	Attempts  int
	Retryable bool
}

func NewExtractionFailed(model string, attempts int, retryable bool, err error) *ErrExtractionFailed {
	return &ErrExtractionFailed{
		BaseError: NewBaseError(ErrorTypeExtraction, fmt.Sprintf("structured extraction failed after %d attempts", attempts), err),
		Model:     model,
		Attempts:  attempts,
		Retryable: retryable,
	}
}

// Context Errors

// ErrContextCancelled is returned when context is cancelled
type ErrContextCancelled struct {
	*BaseError
	Operation string
}

func NewContextCancelled(operation string, err error) *ErrContextCancelled {
	return &ErrContextCancelled{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context cancelled: %s", operation), err),
		Operation: operation,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	var typed interface{ ErrorType() ErrorType }
	if stderrors.As(err, &typed) {
		return typed.ErrorType() == errType
	}
	return false
}

// IsNotFound reports whether err is, or wraps, an ErrNotFound
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return stderrors.As(err, &nf)
}

// IsReferentialIntegrity reports whether err is, or wraps, an ErrReferentialIntegrity
func IsReferentialIntegrity(err error) bool {
	var ri *ErrReferentialIntegrity
	return stderrors.As(err, &ri)
}

// IsCycleDetected reports whether err is, or wraps, an ErrCycleDetected
func IsCycleDetected(err error) bool {
	var cd *ErrCycleDetected
	return stderrors.As(err, &cd)
}

// IsInvalidArgument reports whether err is, or wraps, an ErrInvalidArgument
func IsInvalidArgument(err error) bool {
	var ia *ErrInvalidArgument
	return stderrors.As(err, &ia)
}

// IsInvalidInput reports whether err is a caller error: a bad argument, a
// duplicate id, a dangling reference or a cycle
func IsInvalidInput(err error) bool {
	var dup *ErrDuplicateID
	return IsInvalidArgument(err) || stderrors.As(err, &dup) ||
		IsReferentialIntegrity(err) || IsCycleDetected(err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	var extErr *ErrExtractionFailed
	if stderrors.As(err, &extErr) {
		return extErr.Retryable
	}
	// Store writes overwrite by id, so a failed batch can be replayed
	if IsErrorType(err, ErrorTypeStore) {
		return true
	}
	return false
}
