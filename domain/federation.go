package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follower is a remote subscriber of a local actor.
type Follower struct {
	Id             uuid.UUID
	ActorId        uuid.UUID
	FollowerURI    string
	InboxURI       string
	SharedInboxURI string // empty if the remote server exposes none
	Domain         string
	FollowedAt     time.Time
}

// DeliveryInbox returns the inbox an activity for this follower should be
// posted to. Shared inboxes win so one request can serve every follower on
// that server.
func (f *Follower) DeliveryInbox() string {
	if f.SharedInboxURI != "" {
		return f.SharedInboxURI
	}
	return f.InboxURI
}

// BlockMode selects how hard a domain block applies.
type BlockMode string

const (
	// BlockModeFull suppresses all outbound delivery to the domain.
	BlockModeFull BlockMode = "full"
	// BlockModeSilence is recorded but not enforced on the delivery path;
	// its exact semantics are still an open product decision.
	BlockModeSilence BlockMode = "silence"
)

// BlockedInstance is a domain-level suppression policy entry.
type BlockedInstance struct {
	Id        uuid.UUID
	Domain    string
	Reason    string
	Mode      BlockMode
	Active    bool
	ExpiresAt *time.Time // nil means the block never expires
	CreatedAt time.Time
}

// Expired reports whether the entry has passed its expiry.
func (b *BlockedInstance) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// DeliveryStatus is the lifecycle state of a delivery attempt row.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// Terminal reports whether the status accepts no further attempts.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryAbandoned
}

// DeliveryAttempt is one logical delivery task in the audit ledger, keyed by
// (activity id, inbox URI). The row is claimed once and mutated across
// retries, never duplicated and never deleted.
type DeliveryAttempt struct {
	Id              uuid.UUID
	ActivityId      string
	ActivityJSON    string
	ActorId         uuid.UUID
	InboxURI        string
	Domain          string
	Status          DeliveryStatus
	HttpStatus      int
	LastError       string
	Attempts        int
	NextRetryAt     time.Time
	LastAttemptedAt *time.Time
	CreatedAt       time.Time
}
