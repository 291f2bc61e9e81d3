package activitypub

import (
	"fmt"
	"log"
	"time"

	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/communehub/commune/util"
	"github.com/google/uuid"
)

// FollowerDirectory manages the per-actor set of remote subscribers and
// resolves the minimal set of delivery targets.
type FollowerDirectory struct {
	store *db.DB
}

func NewFollowerDirectory(store *db.DB) *FollowerDirectory {
	return &FollowerDirectory{store: store}
}

// Add upserts a follower record. The record's domain is derived from the
// follower URI when the caller left it empty. Idempotent on
// (actor, follower URI).
func (d *FollowerDirectory) Add(actorId uuid.UUID, f domain.Follower) error {
	if f.FollowerURI == "" || f.InboxURI == "" {
		return fmt.Errorf("follower needs both an identity URI and an inbox URI")
	}

	if f.Domain == "" {
		followerDomain, err := util.ExtractDomain(f.FollowerURI)
		if err != nil {
			return err
		}
		f.Domain = followerDomain
	}
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.FollowedAt.IsZero() {
		f.FollowedAt = time.Now()
	}
	f.ActorId = actorId

	return d.store.UpsertFollower(&f)
}

func (d *FollowerDirectory) Remove(actorId uuid.UUID, followerURI string) error {
	return d.store.DeleteFollower(actorId, followerURI)
}

// RemoveByInbox drops every follower reached through the given inbox.
// Called when a destination answers 410 Gone.
func (d *FollowerDirectory) RemoveByInbox(actorId uuid.UUID, inboxURI string) (int, error) {
	removed, err := d.store.DeleteFollowersByInbox(actorId, inboxURI)
	if removed > 0 {
		log.Printf("FollowerDirectory: Removed %d follower(s) behind gone inbox %s", removed, inboxURI)
	}
	return removed, err
}

// RemoveAll clears the actor's whole follower set and returns the count,
// used when an actor is withdrawn from federation.
func (d *FollowerDirectory) RemoveAll(actorId uuid.UUID) (int, error) {
	return d.store.DeleteFollowersByActor(actorId)
}

// UniqueInboxes resolves the minimal set of delivery targets: followers
// sharing a shared inbox collapse to one entry, everyone else contributes
// their personal inbox. Order is first-seen so fan-out order is stable.
func (d *FollowerDirectory) UniqueInboxes(actorId uuid.UUID) ([]string, error) {
	err, followers := d.store.ReadFollowersByActor(actorId)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var inboxes []string
	for _, f := range *followers {
		inbox := f.DeliveryInbox()
		if seen[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}

func (d *FollowerDirectory) List(actorId uuid.UUID) ([]domain.Follower, error) {
	err, followers := d.store.ReadFollowersByActor(actorId)
	if err != nil {
		return nil, err
	}
	return *followers, nil
}

func (d *FollowerDirectory) Count(actorId uuid.UUID) (int, error) {
	return d.store.CountFollowersByActor(actorId)
}
