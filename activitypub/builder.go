package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"
const publicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Activity is an outbound protocol message produced by the Builder. Id is
// the activity identifier used as one half of the delivery idempotency key.
type Activity struct {
	Id        string
	Type      string
	ObjectURI string
	Payload   map[string]interface{}
}

// JSON renders the wire payload.
func (a *Activity) JSON() (string, error) {
	b, err := json.Marshal(a.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal activity: %w", err)
	}
	return string(b), nil
}

// Builder turns domain events into protocol-conformant activity payloads.
type Builder struct {
	domain string
}

func NewBuilder(domain string) *Builder {
	return &Builder{domain: domain}
}

// NoteURI returns the canonical identifier of a published item.
func (b *Builder) NoteURI(noteId uuid.UUID) string {
	return fmt.Sprintf("https://%s/notes/%s", b.domain, noteId.String())
}

// LegacyNoteURI returns the client-facing URL-plus-slug identifier that
// items federated before the URI scheme fix were published under. Deletes
// for those items must target this form, there is no way to derive the
// right one from current state alone.
func (b *Builder) LegacyNoteURI(noteId uuid.UUID, slug string) string {
	return fmt.Sprintf("https://%s/post/%s/%s", b.domain, noteId.String(), slug)
}

// NewCreateNote builds a Create activity for a freshly published item.
func (b *Builder) NewCreateNote(actor *domain.Actor, noteId uuid.UUID, content string, published time.Time) *Activity {
	noteURI := b.NoteURI(noteId)
	createId := b.freshActivityId()

	payload := map[string]interface{}{
		"@context":  activityStreamsContext,
		"id":        createId,
		"type":      "Create",
		"actor":     actor.ActorURI,
		"published": published.UTC().Format(time.RFC3339),
		"to":        []string{publicAudience},
		"cc":        []string{actor.FollowersURI},
		"object": map[string]interface{}{
			"id":           noteURI,
			"type":         "Note",
			"attributedTo": actor.ActorURI,
			"content":      content,
			"published":    published.UTC().Format(time.RFC3339),
			"to":           []string{publicAudience},
			"cc":           []string{actor.FollowersURI},
		},
	}

	return &Activity{Id: createId, Type: "Create", ObjectURI: noteURI, Payload: payload}
}

// NewDeleteActor builds the Delete activity announcing the actor's own
// removal; actor and object are both the identity URI. The activity id is
// derived from the actor URI so repeated deletion flows collapse onto the
// same ledger rows.
func (b *Builder) NewDeleteActor(actor *domain.Actor) *Activity {
	deleteId := b.derivedActivityId(actor.ActorURI + "#delete")

	payload := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       deleteId,
		"type":     "Delete",
		"actor":    actor.ActorURI,
		"object":   actor.ActorURI,
		"to":       []string{publicAudience},
	}

	return &Activity{Id: deleteId, Type: "Delete", ObjectURI: actor.ActorURI, Payload: payload}
}

// NewDeleteNote builds a Delete activity for a previously published item.
// legacy selects the pre-fix URL-plus-slug object id; the caller must know
// which form the original Create federated under.
func (b *Builder) NewDeleteNote(actor *domain.Actor, noteId uuid.UUID, slug string, legacy bool) *Activity {
	objectURI := b.NoteURI(noteId)
	if legacy {
		objectURI = b.LegacyNoteURI(noteId, slug)
	}
	deleteId := b.derivedActivityId(objectURI + "#delete")

	payload := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       deleteId,
		"type":     "Delete",
		"actor":    actor.ActorURI,
		"object":   objectURI,
		"to":       []string{publicAudience},
	}

	return &Activity{Id: deleteId, Type: "Delete", ObjectURI: objectURI, Payload: payload}
}

// NewAnnounce builds an Announce (boost) of an existing object.
func (b *Builder) NewAnnounce(actor *domain.Actor, objectURI string) *Activity {
	announceId := b.freshActivityId()

	payload := map[string]interface{}{
		"@context":  activityStreamsContext,
		"id":        announceId,
		"type":      "Announce",
		"actor":     actor.ActorURI,
		"object":    objectURI,
		"published": time.Now().UTC().Format(time.RFC3339),
		"to":        []string{publicAudience},
		"cc":        []string{actor.FollowersURI},
	}

	return &Activity{Id: announceId, Type: "Announce", ObjectURI: objectURI, Payload: payload}
}

// ActorDocument renders the actor document served at the identity URI.
func (b *Builder) ActorDocument(actor *domain.Actor, publicPem string) map[string]interface{} {
	doc := map[string]interface{}{
		"@context": []string{
			activityStreamsContext,
			"https://w3id.org/security/v1",
		},
		"id":                actor.ActorURI,
		"type":              actor.Kind.DocumentType(),
		"preferredUsername": actor.Handle,
		"name":              actor.DisplayName,
		"summary":           actor.Summary,
		"inbox":             actor.InboxURI,
		"outbox":            actor.OutboxURI,
		"followers":         actor.FollowersURI,
		"endpoints": map[string]interface{}{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", b.domain),
		},
		"publicKey": map[string]interface{}{
			"id":           actor.KeyId(),
			"owner":        actor.ActorURI,
			"publicKeyPem": publicPem,
		},
	}

	if actor.AvatarURL != "" {
		doc["icon"] = map[string]interface{}{
			"type":      "Image",
			"mediaType": "image/png",
			"url":       actor.AvatarURL,
		}
	}

	return doc
}

func (b *Builder) freshActivityId() string {
	return fmt.Sprintf("https://%s/activities/%s", b.domain, uuid.New().String())
}

// derivedActivityId produces a deterministic activity id from a seed, so
// re-running the same logical operation reuses the same idempotency key.
func (b *Builder) derivedActivityId(seed string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed))
	return fmt.Sprintf("https://%s/activities/%s", b.domain, id.String())
}
