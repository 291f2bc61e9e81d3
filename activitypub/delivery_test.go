package activitypub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

// testInbox is a fake remote inbox. It serves the queued status codes in
// order, sticking on the last one, and records every received activity id.
type testInbox struct {
	srv *httptest.Server

	mu       sync.Mutex
	statuses []int
	received []string
}

func newTestInbox(t *testing.T, statuses ...int) *testInbox {
	t.Helper()
	if len(statuses) == 0 {
		statuses = []int{http.StatusAccepted}
	}

	inbox := &testInbox{statuses: statuses}
	inbox.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		id, _ := payload["id"].(string)

		inbox.mu.Lock()
		inbox.received = append(inbox.received, id)
		status := inbox.statuses[0]
		if len(inbox.statuses) > 1 {
			inbox.statuses = inbox.statuses[1:]
		}
		inbox.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(inbox.srv.Close)
	return inbox
}

func (i *testInbox) URL() string {
	return i.srv.URL + "/inbox"
}

// host returns the host:port the test server listens on, which is what
// ExtractDomain resolves the inbox to.
func (i *testInbox) host(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(i.srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	return u.Host
}

func (i *testInbox) hits() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.received)
}

func (i *testInbox) receivedIds() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.received...)
}

// fastEngineConfig keeps retries near-instant so tests can sweep them.
func fastEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:        4,
		PerDomain:      2,
		RequestTimeout: 5 * time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func newTestEngine(env *testEnv, conf EngineConfig) *Engine {
	return NewEngine(env.store, env.vault, env.directory, env.blocks, conf)
}

// follow points the actor at a test inbox.
func follow(t *testing.T, env *testEnv, actorId uuid.UUID, inbox *testInbox, handle string) {
	t.Helper()
	err := env.directory.Add(actorId, domain.Follower{
		FollowerURI: inbox.srv.URL + "/users/" + handle,
		InboxURI:    inbox.URL(),
	})
	if err != nil {
		t.Fatalf("Failed to add follower: %v", err)
	}
}

func TestDeliverFanOut(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox1 := newTestInbox(t)
	inbox2 := newTestInbox(t)
	follow(t, env, actor.Id, inbox1, "a")
	follow(t, env, actor.Id, inbox2, "b")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if res.Delivered != 2 || res.Failed != 0 || res.Suppressed != 0 {
		t.Errorf("Expected 2 delivered, got %+v", res)
	}
	if inbox1.hits() != 1 || inbox2.hits() != 1 {
		t.Errorf("Each inbox should see exactly one request: %d, %d", inbox1.hits(), inbox2.hits())
	}

	// the ledger records both outcomes
	stats, err := engine.BatchStats(act.Id)
	if err != nil {
		t.Fatalf("BatchStats failed: %v", err)
	}
	if stats[domain.DeliveryDelivered] != 2 {
		t.Errorf("Expected 2 delivered in ledger, got %v", stats)
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t)
	follow(t, env, actor.Id, inbox, "a")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	if _, err := engine.Deliver(context.Background(), act, actor.Id); err != nil {
		t.Fatalf("First deliver failed: %v", err)
	}

	// a second invocation reports the recorded outcome without a new POST
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Second deliver failed: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("Expected recorded delivery reported, got %+v", res)
	}
	if inbox.hits() != 1 {
		t.Errorf("Inbox must only ever see one request, got %d", inbox.hits())
	}

	err, row := env.store.ReadAttemptByKey(act.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Attempts != 1 {
		t.Errorf("Attempt count should stay at 1, got %d", row.Attempts)
	}
}

func TestDeliverSuppressesBlockedDomain(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t)
	follow(t, env, actor.Id, inbox, "a")

	if err := env.blocks.Add(inbox.host(t), "test", domain.BlockModeFull, nil); err != nil {
		t.Fatalf("Block add failed: %v", err)
	}

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if res.Suppressed != 1 || res.Delivered != 0 {
		t.Errorf("Expected 1 suppressed, got %+v", res)
	}
	if inbox.hits() != 0 {
		t.Errorf("Blocked target must not be contacted, got %d hits", inbox.hits())
	}

	// suppression leaves no ledger row
	err, _ = env.store.ReadAttemptByKey(act.Id, inbox.URL())
	if err == nil {
		t.Error("Suppressed target must not get a ledger row")
	}
}

func TestDeliverGoneRemovesFollowers(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t, http.StatusGone)
	follow(t, env, actor.Id, inbox, "a")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if res.Failed != 1 || res.Retrying != 0 {
		t.Errorf("410 is permanent, got %+v", res)
	}

	count, _ := env.directory.Count(actor.Id)
	if count != 0 {
		t.Errorf("Followers behind a gone inbox should be removed, %d left", count)
	}
}

func TestDeliverPermanentRejection(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t, http.StatusForbidden)
	follow(t, env, actor.Id, inbox, "a")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if res.Failed != 1 || res.Retrying != 0 {
		t.Errorf("4xx is permanent, got %+v", res)
	}

	err, row := env.store.ReadAttemptByKey(act.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Status != domain.DeliveryFailed || row.HttpStatus != 403 {
		t.Errorf("Unexpected ledger row: %+v", row)
	}

	// follower stays, only 410 prunes
	count, _ := env.directory.Count(actor.Id)
	if count != 1 {
		t.Errorf("4xx must not prune followers, %d left", count)
	}
}

func TestDeliverRetryableThenSweepSucceeds(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t, http.StatusServiceUnavailable, http.StatusAccepted)
	follow(t, env, actor.Id, inbox, "a")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if res.Retrying != 1 {
		t.Errorf("503 should schedule a retry, got %+v", res)
	}

	// wait out the millisecond backoff, then sweep
	time.Sleep(20 * time.Millisecond)
	dispatched, err := engine.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("SweepRetries failed: %v", err)
	}
	if dispatched != 1 {
		t.Errorf("Expected 1 re-dispatched, got %d", dispatched)
	}

	err, row := env.store.ReadAttemptByKey(act.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Status != domain.DeliveryDelivered || row.Attempts != 2 {
		t.Errorf("Expected delivered after retry, got %+v", row)
	}
}

func TestSweepAbandonsAfterMaxAttempts(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	conf := fastEngineConfig()
	conf.MaxAttempts = 2
	engine := newTestEngine(env, conf)

	inbox := newTestInbox(t, http.StatusServiceUnavailable)
	follow(t, env, actor.Id, inbox, "a")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	if _, err := engine.Deliver(context.Background(), act, actor.Id); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := engine.SweepRetries(context.Background()); err != nil {
		t.Fatalf("SweepRetries failed: %v", err)
	}

	err, row := env.store.ReadAttemptByKey(act.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Status != domain.DeliveryAbandoned {
		t.Errorf("Expected abandoned after %d attempts, got %s", conf.MaxAttempts, row.Status)
	}
	if row.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", row.Attempts)
	}

	// a further sweep finds nothing due
	dispatched, err := engine.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("SweepRetries failed: %v", err)
	}
	if dispatched != 0 {
		t.Errorf("Abandoned rows must not be swept, dispatched %d", dispatched)
	}
}

func TestSweepAbandonsNewlyBlockedDomain(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t, http.StatusServiceUnavailable)
	follow(t, env, actor.Id, inbox, "a")

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	if _, err := engine.Deliver(context.Background(), act, actor.Id); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	// block after the row was queued, bypassing the abandon-on-add hook
	if err := env.store.UpsertBlockedInstance(&domain.BlockedInstance{
		Id:        uuid.New(),
		Domain:    inbox.host(t),
		Mode:      domain.BlockModeFull,
		Active:    true,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertBlockedInstance failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	dispatched, err := engine.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("SweepRetries failed: %v", err)
	}
	if dispatched != 0 {
		t.Errorf("Blocked rows must not be re-dispatched, got %d", dispatched)
	}

	err, row := env.store.ReadAttemptByKey(act.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Status != domain.DeliveryAbandoned {
		t.Errorf("Expected abandoned for blocked domain, got %s", row.Status)
	}
	if inbox.hits() != 1 {
		t.Errorf("No further requests after the block, got %d", inbox.hits())
	}
}

func TestDeliverInactiveActor(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	if err := env.registry.Deactivate(actor.Id); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	_, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != domain.ErrActorInactive {
		t.Errorf("Expected ErrActorInactive, got %v", err)
	}
}

func TestDeliverUnknownActor(t *testing.T) {
	env := setupTestEnv(t)
	engine := newTestEngine(env, fastEngineConfig())

	actor := builderTestActor()
	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	_, err := engine.Deliver(context.Background(), act, uuid.New())
	if err != domain.ErrActorNotFound {
		t.Errorf("Expected ErrActorNotFound, got %v", err)
	}
}

func TestDeliverNoTargets(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(res.Outcomes) != 0 || res.Delivered != 0 {
		t.Errorf("Expected empty batch, got %+v", res)
	}
}

func TestBackoffProgression(t *testing.T) {
	env := setupTestEnv(t)
	engine := newTestEngine(env, EngineConfig{
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
	})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour},  // 64m capped
		{10, time.Hour}, // deep overflow guard
		{40, time.Hour},
	}
	for _, c := range cases {
		got := engine.backoff(c.attempts)
		if got != c.want {
			t.Errorf("backoff(%d): expected %s, got %s", c.attempts, c.want, got)
		}
	}

	// strictly non-decreasing up to the cap
	prev := time.Duration(0)
	for n := 1; n <= 12; n++ {
		d := engine.backoff(n)
		if d < prev {
			t.Errorf("backoff(%d)=%s shrank below backoff(%d)=%s", n, d, n-1, prev)
		}
		prev = d
	}
}

// Two attempts queued for the same inbox must arrive in submission order,
// even when the first is slow.
func TestPerInboxOrdering(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		id, _ := payload["id"].(string)

		mu.Lock()
		first := len(order) == 0
		order = append(order, id)
		mu.Unlock()

		if first {
			time.Sleep(50 * time.Millisecond)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	inboxURI := srv.URL + "/inbox"
	srvURL, _ := url.Parse(srv.URL)

	b := NewBuilder("commune.test")
	createAct := b.NewCreateNote(actor, uuid.New(), "hello", time.Now())
	deleteAct := b.NewDeleteActor(actor)

	now := time.Now()
	claim := func(act *Activity) *domain.DeliveryAttempt {
		payload, _ := act.JSON()
		row, _, err := env.store.ClaimAttempt(&domain.DeliveryAttempt{
			Id:           uuid.New(),
			ActivityId:   act.Id,
			ActivityJSON: payload,
			ActorId:      actor.Id,
			InboxURI:     inboxURI,
			Domain:       srvURL.Host,
			Status:       domain.DeliveryPending,
			NextRetryAt:  now,
			CreatedAt:    now,
		})
		if err != nil {
			t.Fatalf("ClaimAttempt failed: %v", err)
		}
		return row
	}

	var wg sync.WaitGroup
	wg.Add(2)
	engine.submit(context.Background(), claim(createAct), func(TargetOutcome) { wg.Done() })
	engine.submit(context.Background(), claim(deleteAct), func(TargetOutcome) { wg.Done() })
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(order))
	}
	if order[0] != createAct.Id || order[1] != deleteAct.Id {
		t.Errorf("Requests arrived out of order: %v", order)
	}
}

// A Delete enqueued while the Create for the same inbox is still waiting on
// a retry must not overtake it: the Delete parks in the ledger and goes out
// only after the Create reaches a terminal state.
func TestDeleteWaitsForPendingCreate(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t, http.StatusServiceUnavailable, http.StatusAccepted)
	follow(t, env, actor.Id, inbox, "a")

	b := NewBuilder("commune.test")
	noteId := uuid.New()

	createAct := b.NewCreateNote(actor, noteId, "hello", time.Now())
	res, err := engine.Deliver(context.Background(), createAct, actor.Id)
	if err != nil {
		t.Fatalf("Deliver create failed: %v", err)
	}
	if res.Retrying != 1 {
		t.Fatalf("503 should park the create for retry, got %+v", res)
	}

	deleteAct := b.NewDeleteNote(actor, noteId, "hello", false)
	res, err = engine.Deliver(context.Background(), deleteAct, actor.Id)
	if err != nil {
		t.Fatalf("Deliver delete failed: %v", err)
	}
	if res.Retrying != 1 {
		t.Errorf("Delete should queue behind the pending create, got %+v", res)
	}
	if inbox.hits() != 1 {
		t.Fatalf("Delete must not be dispatched while the create is pending, got %d requests", inbox.hits())
	}

	err, row := env.store.ReadAttemptByKey(deleteAct.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Status != domain.DeliveryPending || row.Attempts != 0 {
		t.Errorf("Parked delete should be untouched pending, got %+v", row)
	}

	// first sweep resolves the create, the delete keeps waiting its turn
	time.Sleep(20 * time.Millisecond)
	if _, err := engine.SweepRetries(context.Background()); err != nil {
		t.Fatalf("SweepRetries failed: %v", err)
	}
	if _, err := engine.SweepRetries(context.Background()); err != nil {
		t.Fatalf("SweepRetries failed: %v", err)
	}

	err, row = env.store.ReadAttemptByKey(deleteAct.Id, inbox.URL())
	if err != nil {
		t.Fatalf("ReadAttemptByKey failed: %v", err)
	}
	if row.Status != domain.DeliveryDelivered {
		t.Errorf("Delete should deliver after the create resolved, got %s", row.Status)
	}

	ids := inbox.receivedIds()
	if len(ids) != 3 {
		t.Fatalf("Expected 3 requests (failed create, retried create, delete), got %v", ids)
	}
	if ids[0] != createAct.Id || ids[1] != createAct.Id || ids[2] != deleteAct.Id {
		t.Errorf("Requests arrived out of order: %v", ids)
	}
}

// A failing store must surface its error rather than masquerade as an
// unknown actor.
func TestDeliverStoreFailurePropagates(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	if err := env.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	_, err := engine.Deliver(context.Background(), act, actor.Id)
	if err == nil {
		t.Fatal("Expected an error from the closed store")
	}
	if err == domain.ErrActorNotFound {
		t.Error("Store failure must not be reported as ErrActorNotFound")
	}
}

// Blocklist decisions cover the whole batch before the first ledger row, so
// a blocked target among live ones is suppressed cleanly while the rest
// deliver.
func TestDeliverBlockedAmongLiveTargets(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	blocked := newTestInbox(t)
	live := newTestInbox(t)
	follow(t, env, actor.Id, blocked, "a")
	follow(t, env, actor.Id, live, "b")

	if err := env.blocks.Add(blocked.host(t), "test", domain.BlockModeFull, nil); err != nil {
		t.Fatalf("Block add failed: %v", err)
	}

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if res.Delivered != 1 || res.Suppressed != 1 {
		t.Errorf("Expected 1 delivered and 1 suppressed, got %+v", res)
	}
	if blocked.hits() != 0 || live.hits() != 1 {
		t.Errorf("Unexpected request counts: blocked=%d live=%d", blocked.hits(), live.hits())
	}
	err, _ = env.store.ReadAttemptByKey(act.Id, blocked.URL())
	if err == nil {
		t.Error("Suppressed target must not get a ledger row")
	}
}

// The remote sees the target host from the request URL and the signed
// headers the protocol requires.
func TestExecuteRequestHeaders(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	var mu sync.Mutex
	var gotHost, gotContentType, gotDate, gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHost = r.Host
		gotContentType = r.Header.Get("Content-Type")
		gotDate = r.Header.Get("Date")
		gotSignature = r.Header.Get("Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	payload, err := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now()).JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	status, err := engine.execute(context.Background(), &domain.DeliveryAttempt{
		Id:           uuid.New(),
		ActorId:      actor.Id,
		InboxURI:     srv.URL + "/inbox",
		ActivityJSON: payload,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if status != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", status)
	}

	srvURL, _ := url.Parse(srv.URL)
	mu.Lock()
	defer mu.Unlock()
	if gotHost != srvURL.Host {
		t.Errorf("Expected host %s, got %s", srvURL.Host, gotHost)
	}
	if gotContentType != "application/activity+json" {
		t.Errorf("Unexpected content type: %s", gotContentType)
	}
	if gotDate == "" || gotSignature == "" {
		t.Errorf("Expected Date and Signature headers, got %q / %q", gotDate, gotSignature)
	}
}

func TestDeliverSharedInboxOnce(t *testing.T) {
	env := setupTestEnv(t)
	actor := registerTestActor(t, env, "alice")
	engine := newTestEngine(env, fastEngineConfig())

	inbox := newTestInbox(t)
	shared := inbox.srv.URL + "/shared-inbox"
	for _, h := range []string{"a", "b", "c"} {
		err := env.directory.Add(actor.Id, domain.Follower{
			FollowerURI:    inbox.srv.URL + "/users/" + h,
			InboxURI:       inbox.srv.URL + "/users/" + h + "/inbox",
			SharedInboxURI: shared,
		})
		if err != nil {
			t.Fatalf("Failed to add follower: %v", err)
		}
	}

	act := NewBuilder("commune.test").NewCreateNote(actor, uuid.New(), "hello", time.Now())
	res, err := engine.Deliver(context.Background(), act, actor.Id)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("Three followers behind one shared inbox are one delivery, got %+v", res)
	}
	if inbox.hits() != 1 {
		t.Errorf("Shared inbox should see one request, got %d", inbox.hits())
	}
}
