package activitypub

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/communehub/commune/util"
	"github.com/google/uuid"
)

// BlockList is the per-domain suppression policy. Only mode "full" is
// enforced on the delivery path; "silence" entries are stored and listed
// but their delivery semantics are still an open product decision.
type BlockList struct {
	store *db.DB
}

func NewBlockList(store *db.DB) *BlockList {
	return &BlockList{store: store}
}

// IsBlocked reports whether the domain, or one of its parent domains, has
// an active unexpired full block.
func (b *BlockList) IsBlocked(targetDomain string) (bool, error) {
	if targetDomain == "" {
		return false, nil
	}
	return b.store.HasActiveFullBlock(util.ParentDomains(targetDomain), time.Now())
}

// Add creates or updates a block entry. A nil expiry means the block stays
// until removed. Adding a full block also abandons every pending attempt
// towards the domain so queued retries stop.
func (b *BlockList) Add(blockedDomain string, reason string, mode domain.BlockMode, expiresAt *time.Time) error {
	blockedDomain = strings.ToLower(strings.TrimSpace(blockedDomain))
	if blockedDomain == "" {
		return fmt.Errorf("domain must not be empty")
	}
	if mode != domain.BlockModeFull && mode != domain.BlockModeSilence {
		return fmt.Errorf("unknown block mode %q", mode)
	}

	entry := &domain.BlockedInstance{
		Id:        uuid.New(),
		Domain:    blockedDomain,
		Reason:    reason,
		Mode:      mode,
		Active:    true,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := b.store.UpsertBlockedInstance(entry); err != nil {
		return err
	}

	if mode == domain.BlockModeFull {
		abandoned, err := b.store.AbandonPendingByDomain(blockedDomain)
		if err != nil {
			return err
		}
		if abandoned > 0 {
			log.Printf("BlockList: Abandoned %d pending deliveries to %s", abandoned, blockedDomain)
		}
	}

	log.Printf("BlockList: %s block on %s", mode, blockedDomain)
	return nil
}

func (b *BlockList) Remove(blockedDomain string) error {
	return b.store.DeleteBlockedInstance(strings.ToLower(strings.TrimSpace(blockedDomain)))
}

func (b *BlockList) List() ([]domain.BlockedInstance, error) {
	err, blocks := b.store.ReadBlockedInstances()
	if err != nil {
		return nil, err
	}
	return *blocks, nil
}
