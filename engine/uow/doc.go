// Package uow coordinates units of work that span several stores.
//
// A Manager hands out Scopes that ride on a context.Context. Code running
// under a scope asks the Manager for store handles and tracks domain events;
// both are keyed by the scope's transaction id. When the outermost scope
// commits, every handle is persisted in registration order, the tracked events
// are flushed through the Router to their producers, and the handles are
// released. Disposing a scope without committing discards everything.
//
// Delivery happens strictly after the stores persisted, so a producer failure
// is reported as a DeliveryError but never undoes the commit.
package uow
