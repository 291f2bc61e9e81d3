package activitypub

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/communehub/commune/util"
	"github.com/google/uuid"
)

// EngineConfig tunes the delivery worker pool and retry policy.
type EngineConfig struct {
	Workers        int           // global cap on concurrent requests
	PerDomain      int           // cap on concurrent requests per remote domain
	RequestTimeout time.Duration // connect+read budget per request
	BackoffBase    time.Duration // first retry delay, doubles per attempt
	BackoffMax     time.Duration // ceiling for the retry delay
	MaxAttempts    int           // attempts before a row is abandoned
	UserAgent      string
}

// EngineConfigFromApp maps the yaml config onto an EngineConfig.
func EngineConfigFromApp(conf *util.AppConfig) EngineConfig {
	return EngineConfig{
		Workers:        conf.Conf.DeliveryWorkers,
		PerDomain:      conf.Conf.DeliveryPerDomain,
		RequestTimeout: time.Duration(conf.Conf.DeliveryTimeoutSec) * time.Second,
		BackoffBase:    time.Duration(conf.Conf.BackoffBaseSec) * time.Second,
		BackoffMax:     time.Duration(conf.Conf.BackoffMaxSec) * time.Second,
		MaxAttempts:    conf.Conf.MaxAttempts,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.PerDomain <= 0 {
		c.PerDomain = 4
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.UserAgent == "" {
		c.UserAgent = util.GetNameAndVersion()
	}
	return c
}

// TargetOutcome is the per-inbox result operators see; batches never
// collapse to a single boolean.
type TargetOutcome struct {
	InboxURI   string
	Status     domain.DeliveryStatus
	HttpStatus int
	Error      string
	Suppressed bool
}

// BatchResult aggregates one fan-out. Retrying counts rows that failed
// transiently and stay pending; their retries continue in the background.
type BatchResult struct {
	ActivityId string
	Delivered  int
	Failed     int
	Suppressed int
	Retrying   int
	Outcomes   []TargetOutcome
}

// Engine fans activities out to resolved targets: it signs each request,
// executes with bounded concurrency, applies retry backoff, and records
// every outcome in the delivery ledger.
type Engine struct {
	store     *db.DB
	vault     *KeyVault
	followers *FollowerDirectory
	blocks    *BlockList
	conf      EngineConfig
	client    *http.Client

	global chan struct{}

	mu          sync.Mutex
	domainSlots map[string]chan struct{}
	inboxTails  map[string]chan struct{}
}

func NewEngine(store *db.DB, vault *KeyVault, followers *FollowerDirectory, blocks *BlockList, conf EngineConfig) *Engine {
	conf = conf.withDefaults()
	return &Engine{
		store:       store,
		vault:       vault,
		followers:   followers,
		blocks:      blocks,
		conf:        conf,
		client:      &http.Client{Timeout: conf.RequestTimeout},
		global:      make(chan struct{}, conf.Workers),
		domainSlots: make(map[string]chan struct{}),
		inboxTails:  make(map[string]chan struct{}),
	}
}

// Deliver fans the activity out to the actor's unique inboxes. Blocked
// domains are suppressed before any ledger row or network call. Each
// remaining target gets exactly one ledger row per (activity, inbox);
// re-invoking Deliver for the same activity re-uses the rows. The call
// returns once every target finished its synchronous attempt; transient
// failures keep retrying in the background via SweepRetries.
func (e *Engine) Deliver(ctx context.Context, act *Activity, actorId uuid.UUID) (*BatchResult, error) {
	err, actor := e.store.ReadActorById(actorId)
	if err == sql.ErrNoRows {
		return nil, domain.ErrActorNotFound
	}
	if err != nil {
		return nil, err
	}
	if !actor.Active {
		return nil, domain.ErrActorInactive
	}

	// A missing key fails the whole batch up front, it would fail every
	// target anyway.
	if !e.vault.HasKey(actorId) {
		return nil, domain.ErrMissingKey
	}

	payload, err := act.JSON()
	if err != nil {
		return nil, err
	}

	targets, err := e.followers.UniqueInboxes(actorId)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{ActivityId: act.Id}
	if len(targets) == 0 {
		log.Printf("DeliveryEngine: No targets for activity %s", act.Id)
		return res, nil
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	record := func(out TargetOutcome) {
		resMu.Lock()
		defer resMu.Unlock()
		res.Outcomes = append(res.Outcomes, out)
		switch {
		case out.Suppressed:
			res.Suppressed++
		case out.Status == domain.DeliveryDelivered:
			res.Delivered++
		case out.Status == domain.DeliveryPending:
			res.Retrying++
			res.Failed++
		default:
			res.Failed++
		}
	}

	// Resolve and block-check every target before the first ledger row, so
	// a blocklist read error fails the batch with nothing submitted.
	type liveTarget struct {
		inboxURI     string
		targetDomain string
	}
	var live []liveTarget
	for _, inbox := range targets {
		targetDomain, derr := util.ExtractDomain(inbox)
		if derr != nil {
			log.Printf("DeliveryEngine: Skipping malformed inbox %s: %v", inbox, derr)
			record(TargetOutcome{InboxURI: inbox, Status: domain.DeliveryFailed, Error: derr.Error()})
			continue
		}

		blocked, berr := e.blocks.IsBlocked(targetDomain)
		if berr != nil {
			return nil, fmt.Errorf("blocklist lookup failed: %w", berr)
		}
		if blocked {
			// no ledger row and no network call for blocked peers
			log.Printf("DeliveryEngine: Suppressed delivery to blocked domain %s", targetDomain)
			record(TargetOutcome{InboxURI: inbox, Suppressed: true})
			continue
		}

		live = append(live, liveTarget{inboxURI: inbox, targetDomain: targetDomain})
	}

	now := time.Now()
	for _, target := range live {
		row, _, cerr := e.store.ClaimAttempt(&domain.DeliveryAttempt{
			Id:           uuid.New(),
			ActivityId:   act.Id,
			ActivityJSON: payload,
			ActorId:      actorId,
			InboxURI:     target.inboxURI,
			Domain:       target.targetDomain,
			Status:       domain.DeliveryPending,
			NextRetryAt:  now,
			CreatedAt:    now,
		})
		if cerr != nil {
			record(TargetOutcome{InboxURI: target.inboxURI, Status: domain.DeliveryFailed, Error: cerr.Error()})
			continue
		}

		if row.Status.Terminal() {
			// idempotent re-invocation: report the recorded outcome
			record(TargetOutcome{InboxURI: target.inboxURI, Status: row.Status, HttpStatus: row.HttpStatus, Error: row.LastError})
			continue
		}

		// An older pending row towards this inbox still owns the turn;
		// park this one so the sweeper dispatches it after the older row
		// reaches a terminal state. Requests to one inbox go out in the
		// order their activities were enqueued, even across retries.
		berr, blocking := e.store.ReadBlockingAttempt(row)
		if berr != nil && berr != sql.ErrNoRows {
			record(TargetOutcome{InboxURI: target.inboxURI, Status: domain.DeliveryFailed, Error: berr.Error()})
			continue
		}
		if blocking != nil {
			if blocking.NextRetryAt.After(row.NextRetryAt) {
				row.NextRetryAt = blocking.NextRetryAt
			}
			row.LastError = "queued behind earlier delivery"
			if uerr := e.store.UpdateAttemptOutcome(row); uerr != nil {
				log.Printf("DeliveryEngine: Failed to defer attempt %s: %v", row.Id, uerr)
			}
			log.Printf("DeliveryEngine: Deferring activity %s to %s behind activity %s",
				row.ActivityId, row.InboxURI, blocking.ActivityId)
			record(TargetOutcome{InboxURI: target.inboxURI, Status: domain.DeliveryPending, Error: row.LastError})
			continue
		}

		wg.Add(1)
		e.submit(ctx, row, func(out TargetOutcome) {
			record(out)
			wg.Done()
		})
	}

	wg.Wait()
	log.Printf("DeliveryEngine: Activity %s: %d delivered, %d failed (%d retrying), %d suppressed",
		act.Id, res.Delivered, res.Failed, res.Retrying, res.Suppressed)
	return res, nil
}

// SweepRetries re-dispatches every due pending row once. The caller owns
// the clock: serve mode wraps this in a ticker, the CLI exposes it as a
// one-shot command.
func (e *Engine) SweepRetries(ctx context.Context) (int, error) {
	err, due := e.store.ReadDueAttempts(100, time.Now())
	if err != nil {
		return 0, err
	}
	if due == nil || len(*due) == 0 {
		return 0, nil
	}

	log.Printf("DeliveryEngine: Sweeping %d due deliveries", len(*due))

	var wg sync.WaitGroup
	dispatched := 0
	for i := range *due {
		row := (*due)[i]

		// a domain blocked after rows were queued stops retrying
		blocked, berr := e.blocks.IsBlocked(row.Domain)
		if berr == nil && blocked {
			row.Status = domain.DeliveryAbandoned
			row.LastError = "destination domain blocked"
			if uerr := e.store.UpdateAttemptOutcome(&row); uerr != nil {
				log.Printf("DeliveryEngine: Failed to abandon blocked attempt %s: %v", row.Id, uerr)
			}
			continue
		}

		// never overtake an older pending row towards the same inbox;
		// the row stays due and dispatches on a later sweep
		berr, blocking := e.store.ReadBlockingAttempt(&row)
		if berr != nil && berr != sql.ErrNoRows {
			log.Printf("DeliveryEngine: Ordering lookup failed for %s: %v", row.Id, berr)
			continue
		}
		if blocking != nil {
			continue
		}

		dispatched++
		wg.Add(1)
		e.submit(ctx, &row, func(TargetOutcome) {
			wg.Done()
		})
	}

	wg.Wait()
	return dispatched, nil
}

// BatchStats aggregates the ledger rows of an activity by status, for
// callers that report after background retries have run.
func (e *Engine) BatchStats(activityId string) (map[domain.DeliveryStatus]int, error) {
	return e.store.BatchStats(activityId)
}

// submit queues one attempt behind any in-flight attempt for the same inbox,
// then runs it under the global and per-domain concurrency caps. The chain
// serializes concurrently submitted attempts; ordering against rows parked
// in the ledger is enforced before submit via ReadBlockingAttempt.
func (e *Engine) submit(ctx context.Context, row *domain.DeliveryAttempt, done func(TargetOutcome)) {
	e.mu.Lock()
	turn := make(chan struct{})
	prev := e.inboxTails[row.InboxURI]
	e.inboxTails[row.InboxURI] = turn
	slots := e.domainSlotsLocked(row.Domain)
	e.mu.Unlock()

	go func() {
		defer close(turn)
		defer func() {
			e.mu.Lock()
			if e.inboxTails[row.InboxURI] == turn {
				delete(e.inboxTails, row.InboxURI)
			}
			e.mu.Unlock()
		}()

		if prev != nil {
			<-prev
		}

		e.global <- struct{}{}
		slots <- struct{}{}
		out := e.attempt(ctx, row)
		<-slots
		<-e.global

		done(out)
	}()
}

func (e *Engine) domainSlotsLocked(targetDomain string) chan struct{} {
	slots, ok := e.domainSlots[targetDomain]
	if !ok {
		slots = make(chan struct{}, e.conf.PerDomain)
		e.domainSlots[targetDomain] = slots
	}
	return slots
}

// attempt executes one delivery try and writes the outcome to the ledger.
func (e *Engine) attempt(ctx context.Context, row *domain.DeliveryAttempt) TargetOutcome {
	now := time.Now()
	row.Attempts++
	row.LastAttemptedAt = &now

	httpStatus, err := e.execute(ctx, row)
	row.HttpStatus = httpStatus

	switch {
	case err != nil && errors.Is(err, domain.ErrMissingKey):
		// defensive: the key vanished mid-batch
		row.Status = domain.DeliveryFailed
		row.LastError = err.Error()
		log.Printf("DeliveryEngine: Signing failed for %s: %v", row.InboxURI, err)

	case err != nil:
		// transport error or timeout
		e.scheduleRetry(row, err.Error())

	case httpStatus >= 200 && httpStatus < 300:
		row.Status = domain.DeliveryDelivered
		row.LastError = ""

	case httpStatus == http.StatusGone:
		// the destination no longer exists, drop its followers
		row.Status = domain.DeliveryFailed
		row.LastError = "destination gone"
		if _, rerr := e.followers.RemoveByInbox(row.ActorId, row.InboxURI); rerr != nil {
			log.Printf("DeliveryEngine: Failed to remove followers behind %s: %v", row.InboxURI, rerr)
		}

	case httpStatus == http.StatusTooManyRequests || httpStatus >= 500:
		e.scheduleRetry(row, fmt.Sprintf("remote returned status %d", httpStatus))

	default:
		// remaining 4xx: rejected, retrying will not help
		row.Status = domain.DeliveryFailed
		row.LastError = fmt.Sprintf("remote rejected with status %d", httpStatus)
	}

	if uerr := e.store.UpdateAttemptOutcome(row); uerr != nil {
		log.Printf("DeliveryEngine: Failed to record outcome for %s: %v", row.InboxURI, uerr)
	}

	return TargetOutcome{
		InboxURI:   row.InboxURI,
		Status:     row.Status,
		HttpStatus: row.HttpStatus,
		Error:      row.LastError,
	}
}

func (e *Engine) scheduleRetry(row *domain.DeliveryAttempt, reason string) {
	row.LastError = reason
	if row.Attempts >= e.conf.MaxAttempts {
		row.Status = domain.DeliveryAbandoned
		log.Printf("DeliveryEngine: Giving up on %s after %d attempts: %s", row.InboxURI, row.Attempts, reason)
		return
	}
	row.Status = domain.DeliveryPending
	delay := e.backoff(row.Attempts)
	row.NextRetryAt = time.Now().Add(delay)
	log.Printf("DeliveryEngine: Delivery to %s failed (attempt %d), retry in %s: %s",
		row.InboxURI, row.Attempts, delay, reason)
}

// backoff returns base * 2^(attempts-1), capped at the configured maximum.
func (e *Engine) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift > 20 {
		return e.conf.BackoffMax
	}
	d := e.conf.BackoffBase << uint(shift)
	if d <= 0 || d > e.conf.BackoffMax {
		return e.conf.BackoffMax
	}
	return d
}

// execute performs the signed POST to the target inbox.
func (e *Engine) execute(ctx context.Context, row *domain.DeliveryAttempt) (int, error) {
	body := []byte(row.ActivityJSON)

	reqCtx, cancel := context.WithTimeout(ctx, e.conf.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", row.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", e.conf.UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := e.vault.Sign(row.ActorId, req, body); err != nil {
		return 0, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}
