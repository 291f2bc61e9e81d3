package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActorKind distinguishes the three flavors of local federated identity.
type ActorKind string

const (
	ActorKindInstance ActorKind = "instance"
	ActorKindPerson   ActorKind = "person"
	ActorKindGroup    ActorKind = "group"
)

// DocumentType maps the kind to the ActivityPub actor type served in the
// actor document.
func (k ActorKind) DocumentType() string {
	switch k {
	case ActorKindInstance:
		return "Application"
	case ActorKindGroup:
		return "Group"
	default:
		return "Person"
	}
}

// Actor is a local federated identity: the instance itself, a user, or a
// community. Every actor owns exactly one keypair.
type Actor struct {
	Id            uuid.UUID
	Kind          ActorKind
	LocalEntityId *uuid.UUID // nil for the instance actor
	Handle        string
	DisplayName   string
	Summary       string
	AvatarURL     string
	ActorURI      string
	InboxURI      string
	OutboxURI     string
	FollowersURI  string
	Active        bool
	CreatedAt     time.Time
}

// KeyId returns the fragment identifier used in HTTP signatures.
func (a *Actor) KeyId() string {
	return a.ActorURI + "#main-key"
}

// KeyPair holds the actor's RSA keypair. The private PEM is sealed with the
// vault secret before it reaches storage, so PrivatePemSealed is never a
// plaintext key.
type KeyPair struct {
	ActorId          uuid.UUID
	PublicPem        string
	PrivatePemSealed string
	CreatedAt        time.Time
}
