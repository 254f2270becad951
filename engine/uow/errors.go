package uow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/compozy/unitofwork/engine/core"
)

// ErrorType classifies unit-of-work failures.
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeDelivery      ErrorType = "delivery"
	ErrorTypeScopeMisuse   ErrorType = "scope_misuse"
)

// Category sentinels matched through errors.Is.
var (
	ErrConfiguration = errors.New("uow: configuration error")
	ErrPersistence   = errors.New("uow: persistence error")
	ErrDelivery      = errors.New("uow: delivery error")
	ErrScopeMisuse   = errors.New("uow: scope misuse")
)

var (
	ErrUnknownStoreKind  = errors.New("no factory registered for store kind")
	ErrDuplicateFactory  = errors.New("store factory already registered")
	ErrDuplicateProducer = errors.New("producer already registered for event kind")
	ErrInvalidProducer   = errors.New("invalid producer registration")
	ErrScopeCompleted    = errors.New("scope already completed")
	ErrNoActiveScope     = errors.New("no active scope in context")
	ErrRollbackOnly      = errors.New("transaction marked rollback-only by an inner scope")
	ErrActiveChildren    = errors.New("joined scopes are still active")
	ErrInvalidMode       = errors.New("invalid scope mode")
)

// Error carries the failure category plus the operation and transaction it
// happened in.
type Error struct {
	Type      ErrorType
	Operation string
	TxID      core.ID
	Resource  string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "uow %s error during %s", e.Type, e.Operation)
	if !e.TxID.IsZero() {
		fmt.Fprintf(&b, " (tx %s)", e.TxID)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " on %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	return categoryOf(e.Type) == target
}

func categoryOf(t ErrorType) error {
	switch t {
	case ErrorTypeConfiguration:
		return ErrConfiguration
	case ErrorTypePersistence:
		return ErrPersistence
	case ErrorTypeDelivery:
		return ErrDelivery
	case ErrorTypeScopeMisuse:
		return ErrScopeMisuse
	default:
		return nil
	}
}

func configError(op, resource string, cause error) error {
	return &Error{Type: ErrorTypeConfiguration, Operation: op, Resource: resource, Cause: cause}
}

func misuseError(op string, txID core.ID, cause error) error {
	return &Error{Type: ErrorTypeScopeMisuse, Operation: op, TxID: txID, Cause: cause}
}

// DeliveryError reports events whose producers failed after the owning
// transaction committed. The data stays committed; Undelivered lists the failed
// event followed by every event that was not attempted, in order, so callers
// can replay them.
type DeliveryError struct {
	TxID        core.ID
	Failed      LocalEvent
	Undelivered []LocalEvent
	Cause       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf(
		"uow delivery error (tx %s): committed, %d event(s) undelivered starting at %s #%d: %v",
		e.TxID, len(e.Undelivered), e.Failed.Kind(), e.Failed.Seq, e.Cause,
	)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}
