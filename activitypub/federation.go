package activitypub

import (
	"context"
	"log"
	"time"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

// Federation ties the components together into the operator-facing flows:
// publishing, announcing, and the two destructive operations (delete actor,
// delete post).
type Federation struct {
	registry  *Registry
	followers *FollowerDirectory
	builder   *Builder
	engine    *Engine
}

func NewFederation(registry *Registry, followers *FollowerDirectory, builder *Builder, engine *Engine) *Federation {
	return &Federation{
		registry:  registry,
		followers: followers,
		builder:   builder,
		engine:    engine,
	}
}

// DeleteActorReport is what the operator sees after a delete-actor run:
// explicit per-target tallies, never a single boolean.
type DeleteActorReport struct {
	ActivityId       string
	Delivered        int
	Failed           int
	Suppressed       int
	FollowersRemoved int
	Outcomes         []TargetOutcome
}

// DeleteActor announces the actor's removal to every currently-unique
// inbox, reports per-inbox outcomes, and then purges the follower set and
// deactivates the actor. The purge proceeds regardless of partial delivery
// failure; the tallies are logged first so the operator can see what was
// reached.
func (f *Federation) DeleteActor(ctx context.Context, actorId uuid.UUID) (*DeleteActorReport, error) {
	actor, err := f.registry.GetById(actorId)
	if err != nil {
		return nil, err
	}

	act := f.builder.NewDeleteActor(actor)
	res, err := f.engine.Deliver(ctx, act, actorId)
	if err != nil {
		return nil, err
	}

	log.Printf("Federation: Delete(%s): %d delivered, %d failed, %d suppressed",
		actor.ActorURI, res.Delivered, res.Failed, res.Suppressed)

	removed, err := f.followers.RemoveAll(actorId)
	if err != nil {
		return nil, err
	}
	log.Printf("Federation: Purged %d follower(s) of %s", removed, actor.Handle)

	if err := f.registry.Deactivate(actorId); err != nil {
		return nil, err
	}

	return &DeleteActorReport{
		ActivityId:       act.Id,
		Delivered:        res.Delivered,
		Failed:           res.Failed,
		Suppressed:       res.Suppressed,
		FollowersRemoved: removed,
		Outcomes:         res.Outcomes,
	}, nil
}

// DeletePost enqueues an asynchronous Delete(Note) fan-out. The activity id
// is derived from the object identifier, so re-enqueueing the same deletion
// converges on the same ledger rows. legacy selects the pre-fix object id
// form the original Create was published under.
func (f *Federation) DeletePost(actorId uuid.UUID, postId uuid.UUID, slug string, legacy bool) (string, error) {
	actor, err := f.registry.GetById(actorId)
	if err != nil {
		return "", err
	}

	act := f.builder.NewDeleteNote(actor, postId, slug, legacy)
	go func() {
		if _, derr := f.engine.Deliver(context.Background(), act, actorId); derr != nil {
			log.Printf("Federation: Delete(Note) fan-out for %s failed: %v", act.ObjectURI, derr)
		}
	}()

	log.Printf("Federation: Enqueued Delete for %s (legacy=%v)", act.ObjectURI, legacy)
	return act.Id, nil
}

// PublishNote fans a Create activity out to the actor's followers.
func (f *Federation) PublishNote(ctx context.Context, actorId uuid.UUID, noteId uuid.UUID, content string) (*BatchResult, error) {
	actor, err := f.registry.GetById(actorId)
	if err != nil {
		return nil, err
	}

	act := f.builder.NewCreateNote(actor, noteId, content, time.Now())
	return f.engine.Deliver(ctx, act, actorId)
}

// AnnouncePost boosts an existing object to the actor's followers. Used by
// community actors to announce posts published into them.
func (f *Federation) AnnouncePost(ctx context.Context, actorId uuid.UUID, objectURI string) (*BatchResult, error) {
	actor, err := f.registry.GetById(actorId)
	if err != nil {
		return nil, err
	}

	act := f.builder.NewAnnounce(actor, objectURI)
	return f.engine.Deliver(ctx, act, actorId)
}

// ActorDocument renders the public actor document, including follower
// count metadata consumers may ask for separately.
func (f *Federation) ActorDocument(actor *domain.Actor, publicPem string) map[string]interface{} {
	return f.builder.ActorDocument(actor, publicPem)
}
