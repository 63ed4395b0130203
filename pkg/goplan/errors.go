package goplan

import "errors"

var (
	// ErrEntitlementNotFound is returned when an identity key has no record
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrEventNotFound is returned when no event was recorded under an id
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrIdentityRequired is returned when an operation needs an authenticated subject
	ErrIdentityRequired = errors.New("authenticated identity required")

	// ErrInvalidPlan is returned for plans other than free and pro
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidEvent is returned when an event cannot be recorded as given
	ErrInvalidEvent = errors.New("invalid webhook event")

	// ErrInvalidIdentityKey is returned for empty or malformed identity keys
	ErrInvalidIdentityKey = errors.New("invalid identity key")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
