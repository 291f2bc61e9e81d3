package domain

import "errors"

var (
	// ErrDuplicateActor is returned when an actor already exists for the
	// same (kind, local entity) pair.
	ErrDuplicateActor = errors.New("actor already registered for this entity")

	// ErrActorNotFound is returned by registry lookups that match no actor.
	ErrActorNotFound = errors.New("actor not found")

	// ErrActorInactive is returned when a fan-out is requested for a
	// deactivated actor. In-flight attempts are unaffected.
	ErrActorInactive = errors.New("actor is deactivated")

	// ErrMissingKey is returned when an active actor has no keypair. The
	// registry creates keys atomically with the actor, so seeing this
	// outside of tests means the database was tampered with.
	ErrMissingKey = errors.New("no keypair for actor")
)
