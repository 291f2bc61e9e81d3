package activitypub

import (
	"strings"
	"testing"

	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

const testVaultSecret = "test-vault-secret"

// testEnv wires the federation components over an in-memory database.
type testEnv struct {
	store     *db.DB
	vault     *KeyVault
	registry  *Registry
	directory *FollowerDirectory
	blocks    *BlockList
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	vault := NewKeyVault(store, testVaultSecret)
	return &testEnv{
		store:     store,
		vault:     vault,
		registry:  NewRegistry(store, vault, "commune.test"),
		directory: NewFollowerDirectory(store),
		blocks:    NewBlockList(store),
	}
}

// registerTestActor registers a person actor with a fresh keypair.
func registerTestActor(t *testing.T, env *testEnv, handle string) *domain.Actor {
	t.Helper()

	entityId := uuid.New()
	actor, err := env.registry.Register(domain.ActorKindPerson, &entityId, handle, Profile{DisplayName: handle})
	if err != nil {
		t.Fatalf("Failed to register actor %s: %v", handle, err)
	}
	return actor
}

func TestRegisterPerson(t *testing.T) {
	env := setupTestEnv(t)

	entityId := uuid.New()
	actor, err := env.registry.Register(domain.ActorKindPerson, &entityId, "alice", Profile{
		DisplayName: "Alice",
		Summary:     "hello",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if actor.ActorURI != "https://commune.test/users/alice" {
		t.Errorf("Unexpected actor URI: %s", actor.ActorURI)
	}
	if actor.InboxURI != actor.ActorURI+"/inbox" || actor.FollowersURI != actor.ActorURI+"/followers" {
		t.Errorf("Unexpected collection URIs: %+v", actor)
	}
	if !actor.Active {
		t.Error("New actor should be active")
	}
	if actor.KeyId() != actor.ActorURI+"#main-key" {
		t.Errorf("Unexpected key id: %s", actor.KeyId())
	}

	// registration is atomic with key generation
	if !env.vault.HasKey(actor.Id) {
		t.Error("Registered actor must have a keypair")
	}
}

func TestRegisterGroupAndInstanceURIs(t *testing.T) {
	env := setupTestEnv(t)

	entityId := uuid.New()
	group, err := env.registry.Register(domain.ActorKindGroup, &entityId, "gardening", Profile{})
	if err != nil {
		t.Fatalf("Register group failed: %v", err)
	}
	if group.ActorURI != "https://commune.test/c/gardening" {
		t.Errorf("Unexpected group URI: %s", group.ActorURI)
	}

	instance, err := env.registry.Register(domain.ActorKindInstance, nil, "commune.test", Profile{})
	if err != nil {
		t.Fatalf("Register instance failed: %v", err)
	}
	if instance.ActorURI != "https://commune.test/actor" {
		t.Errorf("Unexpected instance URI: %s", instance.ActorURI)
	}
	if instance.LocalEntityId != nil {
		t.Error("Instance actor must not reference a local entity")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	env := setupTestEnv(t)

	entityId := uuid.New()
	if _, err := env.registry.Register(domain.ActorKindPerson, &entityId, "alice", Profile{}); err != nil {
		t.Fatalf("First register failed: %v", err)
	}

	_, err := env.registry.Register(domain.ActorKindPerson, &entityId, "alice-again", Profile{})
	if err != domain.ErrDuplicateActor {
		t.Errorf("Expected ErrDuplicateActor, got %v", err)
	}
}

func TestRegisterEmptyHandle(t *testing.T) {
	env := setupTestEnv(t)

	entityId := uuid.New()
	if _, err := env.registry.Register(domain.ActorKindPerson, &entityId, "", Profile{}); err == nil {
		t.Error("Expected error for empty handle")
	}
}

func TestRegistryLookups(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")

	got, err := env.registry.Get(domain.ActorKindPerson, actor.LocalEntityId)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Id != actor.Id {
		t.Error("Get returned wrong actor")
	}

	got, err = env.registry.GetByHandle(domain.ActorKindPerson, "alice")
	if err != nil {
		t.Fatalf("GetByHandle failed: %v", err)
	}
	if got.Id != actor.Id {
		t.Error("GetByHandle returned wrong actor")
	}

	unknown := uuid.New()
	if _, err := env.registry.Get(domain.ActorKindPerson, &unknown); err != domain.ErrActorNotFound {
		t.Errorf("Expected ErrActorNotFound, got %v", err)
	}
}

func TestDeactivateReactivate(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")

	if err := env.registry.Deactivate(actor.Id); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	got, err := env.registry.GetById(actor.Id)
	if err != nil {
		t.Fatalf("GetById failed: %v", err)
	}
	if got.Active {
		t.Error("Actor should be inactive")
	}

	// keys survive the tombstone
	if !env.vault.HasKey(actor.Id) {
		t.Error("Keypair should survive deactivation")
	}

	if err := env.registry.Reactivate(actor.Id); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	got, _ = env.registry.GetById(actor.Id)
	if !got.Active {
		t.Error("Actor should be active again")
	}
}

func TestPublicPemIsServable(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")

	pem, err := env.vault.PublicPem(actor.Id)
	if err != nil {
		t.Fatalf("PublicPem failed: %v", err)
	}
	if !strings.Contains(pem, "PUBLIC KEY") {
		t.Errorf("Expected PEM public key, got %q", pem)
	}
}
