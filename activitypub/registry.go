package activitypub

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

// Profile carries the optional display fields of a new actor.
type Profile struct {
	DisplayName string
	Summary     string
	AvatarURL   string
}

// Registry maps local entities to federated identities. Registration
// creates the actor and its keypair in one transaction, so every actor the
// registry hands out can sign.
type Registry struct {
	store  *db.DB
	vault  *KeyVault
	domain string
}

func NewRegistry(store *db.DB, vault *KeyVault, domain string) *Registry {
	return &Registry{store: store, vault: vault, domain: domain}
}

// Register creates the federated identity for a local entity. Pass a nil
// entityId only for the instance actor. Returns domain.ErrDuplicateActor if
// the (kind, entity) pair already has one.
func (r *Registry) Register(kind domain.ActorKind, entityId *uuid.UUID, handle string, profile Profile) (*domain.Actor, error) {
	if handle == "" {
		return nil, fmt.Errorf("handle must not be empty")
	}

	actorURI := r.actorURI(kind, handle)
	actor := &domain.Actor{
		Id:            uuid.New(),
		Kind:          kind,
		LocalEntityId: entityId,
		Handle:        handle,
		DisplayName:   profile.DisplayName,
		Summary:       profile.Summary,
		AvatarURL:     profile.AvatarURL,
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		OutboxURI:     actorURI + "/outbox",
		FollowersURI:  actorURI + "/followers",
		Active:        true,
		CreatedAt:     time.Now(),
	}

	keys, err := r.vault.NewKeyPair(actor.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	if err := r.store.CreateActorWithKeys(actor, keys); err != nil {
		return nil, err
	}

	log.Printf("Registry: Registered %s actor %s (%s)", kind, handle, actorURI)
	return actor, nil
}

// Get resolves the actor for a local entity.
func (r *Registry) Get(kind domain.ActorKind, entityId *uuid.UUID) (*domain.Actor, error) {
	err, actor := r.store.ReadActorByKindEntity(kind, entityId)
	if err == sql.ErrNoRows {
		return nil, domain.ErrActorNotFound
	}
	if err != nil {
		return nil, err
	}
	return actor, nil
}

func (r *Registry) GetById(id uuid.UUID) (*domain.Actor, error) {
	err, actor := r.store.ReadActorById(id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrActorNotFound
	}
	if err != nil {
		return nil, err
	}
	return actor, nil
}

func (r *Registry) GetByHandle(kind domain.ActorKind, handle string) (*domain.Actor, error) {
	err, actor := r.store.ReadActorByKindHandle(kind, handle)
	if err == sql.ErrNoRows {
		return nil, domain.ErrActorNotFound
	}
	if err != nil {
		return nil, err
	}
	return actor, nil
}

// Deactivate tombstones the actor. Followers and keys stay in place so the
// actor can be reactivated; only new fan-outs stop.
func (r *Registry) Deactivate(id uuid.UUID) error {
	return r.store.UpdateActorActive(id, false)
}

func (r *Registry) Reactivate(id uuid.UUID) error {
	return r.store.UpdateActorActive(id, true)
}

// actorURI derives the canonical identity URI per kind: the instance actor
// lives at /actor, users at /users/<handle>, communities at /c/<handle>.
func (r *Registry) actorURI(kind domain.ActorKind, handle string) string {
	switch kind {
	case domain.ActorKindInstance:
		return fmt.Sprintf("https://%s/actor", r.domain)
	case domain.ActorKindGroup:
		return fmt.Sprintf("https://%s/c/%s", r.domain, handle)
	default:
		return fmt.Sprintf("https://%s/users/%s", r.domain, handle)
	}
}
