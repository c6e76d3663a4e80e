package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/willowcart/mailroom/internal/storage"
)

// ---------------------------------------------------------------------------
// Fake: storage.Querier
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu         sync.Mutex
	now        func() time.Time
	jobs       map[uuid.UUID]*storage.EmailJob
	entries    []*storage.QueueEntry
	claimCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:  time.Now,
		jobs: make(map[uuid.UUID]*storage.EmailJob),
	}
}

// seedJob inserts a queued job with a pending entry, mirroring CreateJob.
func (f *fakeStore) seedJob(recipient, subject, html string) (*storage.EmailJob, *storage.QueueEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job := &storage.EmailJob{
		ID:        uuid.New(),
		Recipient: recipient,
		Subject:   subject,
		HTMLBody:  html,
		Status:    storage.JobQueued,
		CreatedAt: f.now(),
	}
	entry := &storage.QueueEntry{
		ID:          uuid.New(),
		JobID:       job.ID,
		Status:      storage.EntryPending,
		NextAttempt: f.now(),
		CreatedAt:   f.now(),
	}
	f.jobs[job.ID] = job
	f.entries = append(f.entries, entry)
	return job, entry
}

// seedOrphanEntry inserts a pending entry whose job does not exist.
func (f *fakeStore) seedOrphanEntry() *storage.QueueEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := &storage.QueueEntry{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		Status:      storage.EntryPending,
		NextAttempt: f.now(),
		CreatedAt:   f.now(),
	}
	f.entries = append(f.entries, entry)
	return entry
}

func (f *fakeStore) entry(id uuid.UUID) storage.QueueEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			return *e
		}
	}
	return storage.QueueEntry{}
}

func (f *fakeStore) job(id uuid.UUID) storage.EmailJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return *j
	}
	return storage.EmailJob{}
}

func (f *fakeStore) ClaimNextEntry(_ context.Context, arg storage.ClaimParams) (storage.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.claimCalls++
	now := f.now()

	for _, e := range f.entries {
		eligible := e.Status == storage.EntryPending ||
			(e.Status == storage.EntryFailed && e.Attempts < arg.MaxAttempts && !e.NextAttempt.After(now)) ||
			(e.Status == storage.EntryInProgress && e.Attempts < arg.MaxAttempts &&
				e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.After(now))
		if !eligible {
			continue
		}

		e.Status = storage.EntryInProgress
		lease := now.Add(arg.Lease)
		e.LeaseExpiresAt = &lease
		return *e, nil
	}
	return storage.QueueEntry{}, pgx.ErrNoRows
}

func (f *fakeStore) GetJobByID(_ context.Context, id uuid.UUID) (storage.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return *j, nil
	}
	return storage.EmailJob{}, pgx.ErrNoRows
}

// claimHeld reports whether the entry is still in_progress under the given
// lease, mirroring the claim-token guard on the real outcome writes.
func claimHeld(e *storage.QueueEntry, lease time.Time) bool {
	return e.Status == storage.EntryInProgress &&
		e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Equal(lease)
}

func (f *fakeStore) MarkDelivered(_ context.Context, arg storage.MarkDeliveredParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		if e.ID == arg.EntryID {
			if !claimHeld(e, arg.Lease) {
				return storage.ErrClaimLost
			}
			e.Status = storage.EntryCompleted
			e.LeaseExpiresAt = nil
		}
	}
	if j, ok := f.jobs[arg.JobID]; ok {
		now := f.now()
		j.Status = storage.JobSent
		j.SentAt = &now
	}
	return nil
}

func (f *fakeStore) MarkAttemptFailed(_ context.Context, arg storage.MarkAttemptFailedParams) (storage.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var updated storage.QueueEntry
	for _, e := range f.entries {
		if e.ID == arg.EntryID {
			if !claimHeld(e, arg.Lease) {
				return storage.QueueEntry{}, storage.ErrClaimLost
			}
			e.Status = storage.EntryFailed
			e.Attempts++
			e.LastError = &arg.Error
			e.NextAttempt = arg.NextAttempt
			e.LeaseExpiresAt = nil
			updated = *e
		}
	}
	if arg.Final {
		if j, ok := f.jobs[arg.JobID]; ok {
			j.Status = storage.JobFailed
			j.Error = &arg.Error
		}
	}
	return updated, nil
}

func (f *fakeStore) CountEntriesByStatus(_ context.Context, status storage.EntryStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

// Unused by the processor.
func (f *fakeStore) UpsertTemplate(_ context.Context, _ storage.UpsertTemplateParams) (storage.Template, error) {
	return storage.Template{}, nil
}
func (f *fakeStore) GetTemplate(_ context.Context, _ string) (storage.Template, error) {
	return storage.Template{}, pgx.ErrNoRows
}
func (f *fakeStore) ListTemplates(_ context.Context) ([]storage.Template, error) { return nil, nil }
func (f *fakeStore) CreateJob(_ context.Context, _ storage.CreateJobParams) (storage.EmailJob, storage.QueueEntry, error) {
	return storage.EmailJob{}, storage.QueueEntry{}, nil
}
func (f *fakeStore) GetQueueEntryByJobID(_ context.Context, _ uuid.UUID) (storage.QueueEntry, error) {
	return storage.QueueEntry{}, pgx.ErrNoRows
}

// ---------------------------------------------------------------------------
// Fake: transport.Transport
// ---------------------------------------------------------------------------

type sendCall struct {
	to      string
	subject string
	html    string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []sendCall
	// errs holds per-call results; nil means success. The last element
	// repeats once exhausted.
	errs []error
	// when set, Send signals started and blocks until release is closed.
	started chan struct{}
	release chan struct{}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, to, subject, html string) error {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, sendCall{to: to, subject: subject, html: html})
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}

	if len(f.errs) == 0 {
		return nil
	}
	if n >= len(f.errs) {
		n = len(f.errs) - 1
	}
	return f.errs[n]
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func newTestProcessor(store *fakeStore, tr *fakeTransport) *Processor {
	cfg := Config{
		PollInterval:   5 * time.Millisecond,
		AttemptTimeout: time.Second,
		ClaimLease:     time.Minute,
	}
	return New(store, tr, nil, NewRetryPolicy(3), cfg, zerolog.Nop())
}

func TestRunCycleDeliversPendingEntry(t *testing.T) {
	store := newFakeStore()
	job, entry := store.seedJob("ada@example.com", "Welcome, Ada!", "<p>Hi Ada</p>")
	tr := &fakeTransport{}

	p := newTestProcessor(store, tr)
	p.RunCycle(context.Background())

	if got := tr.callCount(); got != 1 {
		t.Fatalf("transport calls = %d, want 1", got)
	}
	call := tr.calls[0]
	if call.to != "ada@example.com" || call.subject != "Welcome, Ada!" || call.html != "<p>Hi Ada</p>" {
		t.Errorf("transport called with %+v", call)
	}

	gotEntry := store.entry(entry.ID)
	if gotEntry.Status != storage.EntryCompleted {
		t.Errorf("entry status = %s, want completed", gotEntry.Status)
	}
	if gotEntry.Attempts != 0 {
		t.Errorf("entry attempts = %d, want 0 (only failures count)", gotEntry.Attempts)
	}

	gotJob := store.job(job.ID)
	if gotJob.Status != storage.JobSent {
		t.Errorf("job status = %s, want sent", gotJob.Status)
	}
	if gotJob.SentAt == nil {
		t.Error("job sent_at not set")
	}
}

func TestRunCycleRetriesWithBackoffThenExhausts(t *testing.T) {
	store := newFakeStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }

	job, entry := store.seedJob("bob@example.com", "Order confirmed", "<p>order</p>")
	tr := &fakeTransport{errs: []error{errors.New("rejected")}}

	p := newTestProcessor(store, tr)

	wantBackoffs := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, want := range wantBackoffs {
		before := time.Now()
		p.RunCycle(context.Background())
		after := time.Now()

		gotEntry := store.entry(entry.ID)
		if gotEntry.Attempts != i+1 {
			t.Fatalf("after cycle %d: attempts = %d, want %d", i+1, gotEntry.Attempts, i+1)
		}
		if gotEntry.Status != storage.EntryFailed {
			t.Fatalf("after cycle %d: entry status = %s, want failed", i+1, gotEntry.Status)
		}
		if gotEntry.LastError == nil || *gotEntry.LastError != "rejected" {
			t.Fatalf("after cycle %d: last_error = %v, want rejected", i+1, gotEntry.LastError)
		}
		if gotEntry.NextAttempt.Before(before.Add(want)) || gotEntry.NextAttempt.After(after.Add(want)) {
			t.Errorf("after cycle %d: next_attempt = %v, want ~now+%v", i+1, gotEntry.NextAttempt, want)
		}

		// Make the scheduled retry due.
		clock = gotEntry.NextAttempt.Add(time.Second)
	}

	gotJob := store.job(job.ID)
	if gotJob.Status != storage.JobFailed {
		t.Errorf("job status = %s, want failed", gotJob.Status)
	}
	if gotJob.Error == nil || *gotJob.Error != "rejected" {
		t.Errorf("job error = %v, want rejected", gotJob.Error)
	}

	// The entry is permanently failed: further cycles must not attempt it.
	p.RunCycle(context.Background())
	if got := tr.callCount(); got != 3 {
		t.Errorf("transport calls after exhaustion = %d, want 3", got)
	}
}

func TestRunCycleSucceedsAfterOneFailure(t *testing.T) {
	store := newFakeStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }

	job, entry := store.seedJob("eve@example.com", "Hello", "<p>hi</p>")
	tr := &fakeTransport{errs: []error{errors.New("timeout"), nil}}

	p := newTestProcessor(store, tr)

	p.RunCycle(context.Background())

	gotEntry := store.entry(entry.ID)
	if gotEntry.Status != storage.EntryFailed || gotEntry.Attempts != 1 {
		t.Fatalf("after first cycle: status = %s attempts = %d, want failed/1", gotEntry.Status, gotEntry.Attempts)
	}

	clock = gotEntry.NextAttempt.Add(time.Second)
	p.RunCycle(context.Background())

	gotEntry = store.entry(entry.ID)
	if gotEntry.Status != storage.EntryCompleted {
		t.Errorf("entry status = %s, want completed", gotEntry.Status)
	}
	if gotEntry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (failures only)", gotEntry.Attempts)
	}

	gotJob := store.job(job.ID)
	if gotJob.Status != storage.JobSent || gotJob.SentAt == nil {
		t.Errorf("job status = %s sent_at = %v, want sent with timestamp", gotJob.Status, gotJob.SentAt)
	}
	if got := tr.callCount(); got != 2 {
		t.Errorf("transport calls = %d, want 2", got)
	}
}

func TestRunCycleSkipsWhileBusy(t *testing.T) {
	store := newFakeStore()
	store.seedJob("slow@example.com", "Slow", "<p>slow</p>")
	tr := &fakeTransport{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	p := newTestProcessor(store, tr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunCycle(context.Background())
	}()

	// Wait until the first cycle is inside the transport call.
	<-tr.started

	claimsBefore := func() int {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.claimCalls
	}()

	// A tick firing mid-attempt must be a no-op, not queued.
	p.RunCycle(context.Background())

	claimsAfter := func() int {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.claimCalls
	}()
	if claimsAfter != claimsBefore {
		t.Errorf("overlapping cycle claimed an entry: claims %d -> %d", claimsBefore, claimsAfter)
	}

	close(tr.release)
	<-done

	if got := tr.callCount(); got != 1 {
		t.Errorf("transport calls = %d, want 1", got)
	}
}

func TestRunCycleDropsOutcomeAfterLeaseReclaim(t *testing.T) {
	store := newFakeStore()
	job, entry := store.seedJob("stalled@example.com", "Stalled", "<p>stalled</p>")
	tr := &fakeTransport{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	p := newTestProcessor(store, tr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunCycle(context.Background())
	}()

	// The cycle is stalled inside the transport. Simulate another process
	// reclaiming the entry after the lease expired and exhausting it.
	<-tr.started
	lastErr := "rejected"
	func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, e := range store.entries {
			if e.ID == entry.ID {
				e.Status = storage.EntryFailed
				e.Attempts = 3
				e.LastError = &lastErr
				e.LeaseExpiresAt = nil
			}
		}
		store.jobs[job.ID].Status = storage.JobFailed
		store.jobs[job.ID].Error = &lastErr
	}()

	close(tr.release)
	<-done

	// The stalled worker's late success must not resurrect the entry or
	// touch the attempt count.
	gotEntry := store.entry(entry.ID)
	if gotEntry.Status != storage.EntryFailed {
		t.Errorf("entry status = %s, want failed", gotEntry.Status)
	}
	if gotEntry.Attempts != 3 {
		t.Errorf("entry attempts = %d, want 3", gotEntry.Attempts)
	}
	gotJob := store.job(job.ID)
	if gotJob.Status != storage.JobFailed {
		t.Errorf("job status = %s, want failed", gotJob.Status)
	}
}

func TestRunCycleNoEligibleEntries(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTransport{}

	p := newTestProcessor(store, tr)
	p.RunCycle(context.Background())

	if got := tr.callCount(); got != 0 {
		t.Errorf("transport calls = %d, want 0", got)
	}
}

func TestRunCycleSkipsCorruptEntry(t *testing.T) {
	store := newFakeStore()
	store.seedOrphanEntry()
	good, goodEntry := store.seedJob("ok@example.com", "OK", "<p>ok</p>")
	tr := &fakeTransport{}

	p := newTestProcessor(store, tr)

	// First cycle claims the orphan, finds no job, and skips without
	// attempting delivery or halting.
	p.RunCycle(context.Background())
	if got := tr.callCount(); got != 0 {
		t.Fatalf("transport calls after corrupt entry = %d, want 0", got)
	}

	// The loop keeps going: the healthy entry still gets delivered.
	p.RunCycle(context.Background())
	if got := tr.callCount(); got != 1 {
		t.Fatalf("transport calls = %d, want 1", got)
	}
	if store.job(good.ID).Status != storage.JobSent {
		t.Errorf("healthy job status = %s, want sent", store.job(good.ID).Status)
	}
	if store.entry(goodEntry.ID).Status != storage.EntryCompleted {
		t.Errorf("healthy entry status = %s, want completed", store.entry(goodEntry.ID).Status)
	}
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.seedJob("ada@example.com", "Hi", "<p>hi</p>")
	tr := &fakeTransport{}

	p := newTestProcessor(store, tr)

	p.EnsureRunning()
	p.EnsureRunning()
	p.EnsureRunning()

	// The single loop drains the one entry exactly once.
	deadline := time.Now().Add(2 * time.Second)
	for tr.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	p.Stop()
	p.Stop()

	if got := tr.callCount(); got != 1 {
		t.Errorf("transport calls = %d, want 1", got)
	}
}

func TestStopAndRestart(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTransport{}

	p := newTestProcessor(store, tr)

	p.EnsureRunning()
	p.Stop()

	store.seedJob("late@example.com", "Late", "<p>late</p>")
	p.EnsureRunning()

	deadline := time.Now().Add(2 * time.Second)
	for tr.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if got := tr.callCount(); got != 1 {
		t.Errorf("transport calls after restart = %d, want 1", got)
	}
}
