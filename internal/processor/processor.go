// Package processor implements the queue drain loop: a singleton background
// poller that claims due queue entries one at a time, attempts delivery
// through the mail transport, and records the outcome with exponential
// backoff on failure.
package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/willowcart/mailroom/internal/storage"
	"github.com/willowcart/mailroom/internal/transport"
)

// Config holds drain-loop tuning.
type Config struct {
	// PollInterval is the fixed tick driving the loop.
	PollInterval time.Duration
	// AttemptTimeout bounds a single transport call. A timeout counts as a
	// failed attempt like any other transport error.
	AttemptTimeout time.Duration
	// ClaimLease is how long a claim holds before a crashed processor's
	// entry becomes eligible again.
	ClaimLease time.Duration
}

// DefaultConfig returns a Config with the standard intervals.
func DefaultConfig() Config {
	return Config{
		PollInterval:   10 * time.Second,
		AttemptTimeout: 30 * time.Second,
		ClaimLease:     2 * time.Minute,
	}
}

// Processor drains the email queue. Exactly one per process; delivery
// attempts never overlap because overlapping ticks are skipped, not queued.
type Processor struct {
	store     storage.Querier
	transport transport.Transport
	limiter   *rate.Limiter
	retry     RetryPolicy
	cfg       Config
	log       zerolog.Logger

	// busy guards against overlapping cycles within the process.
	busy atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Processor. limiter may be nil to disable outbound rate
// limiting.
func New(store storage.Querier, tr transport.Transport, limiter *rate.Limiter, retry RetryPolicy, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		store:     store,
		transport: tr,
		limiter:   limiter,
		retry:     retry,
		cfg:       cfg,
		log:       log,
	}
}

// EnsureRunning idempotently starts the polling loop. Concurrent callers
// never start two competing loops.
func (p *Processor) EnsureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(ctx, p.done)

	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Str("transport", p.transport.Name()).
		Msg("queue processor started")
}

// Stop halts polling and waits for the current cycle to finish. An attempt
// already issued to the transport is allowed to complete; cancelling it
// would leave the send outcome ambiguous.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.log.Info().Msg("queue processor stopped")
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle performs one poll cycle: claim at most one eligible entry,
// attempt delivery, record the outcome. If a previous cycle is still
// running the call is a no-op. Exported so tests and operational tooling
// can drive the loop without the ticker.
func (p *Processor) RunCycle(ctx context.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		ticksSkippedTotal.Inc()
		return
	}
	defer p.busy.Store(false)

	entry, err := p.store.ClaimNextEntry(ctx, storage.ClaimParams{
		MaxAttempts: p.retry.MaxAttempts,
		Lease:       p.cfg.ClaimLease,
	})
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("claim failed")
		}
		p.observeDepth(ctx)
		return
	}

	p.deliver(ctx, entry)
	p.observeDepth(ctx)
}

// deliver runs one delivery attempt for a claimed entry. Errors here are
// recorded on the entry, never returned: nothing is waiting on the result.
func (p *Processor) deliver(ctx context.Context, entry storage.QueueEntry) {
	log := p.log.With().
		Str("entry_id", entry.ID.String()).
		Str("job_id", entry.JobID.String()).
		Int("attempts", entry.Attempts).
		Logger()

	job, err := p.store.GetJobByID(ctx, entry.JobID)
	if err != nil {
		// A claimed entry without a readable job is corrupt state. Skip it;
		// the lease expiry returns it to eligibility and the loop moves on.
		log.Error().Err(err).Msg("claimed entry has no readable job, skipping cycle")
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down before the attempt was issued; the lease expiry
			// makes the entry eligible again.
			return
		}
	}

	// The lease deadline from the claim doubles as the claim token for the
	// outcome writes.
	var lease time.Time
	if entry.LeaseExpiresAt != nil {
		lease = *entry.LeaseExpiresAt
	}

	// The attempt is detached from the loop's context so Stop cannot cancel
	// a send already issued to the transport.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	sendErr := p.transport.Send(attemptCtx, job.Recipient, job.Subject, job.HTMLBody)
	attemptDuration.Observe(time.Since(start).Seconds())

	// Outcome persistence also survives Stop: a completed send must be
	// recorded or it would be re-delivered after restart.
	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer recordCancel()

	if sendErr == nil {
		if err := p.store.MarkDelivered(recordCtx, storage.MarkDeliveredParams{
			EntryID: entry.ID,
			JobID:   entry.JobID,
			Lease:   lease,
		}); err != nil {
			if errors.Is(err, storage.ErrClaimLost) {
				log.Warn().Msg("lease expired and entry was reclaimed, dropping outcome")
				return
			}
			log.Error().Err(err).Msg("failed to record delivery")
			return
		}
		attemptsTotal.WithLabelValues("sent").Inc()
		log.Info().Str("recipient", job.Recipient).Msg("email delivered")
		return
	}

	attempts := entry.Attempts + 1
	final := p.retry.Exhausted(attempts)
	next := time.Now().Add(p.retry.Backoff(attempts))

	if _, err := p.store.MarkAttemptFailed(recordCtx, storage.MarkAttemptFailedParams{
		EntryID:     entry.ID,
		JobID:       entry.JobID,
		Error:       sendErr.Error(),
		NextAttempt: next,
		Lease:       lease,
		Final:       final,
	}); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			log.Warn().Msg("lease expired and entry was reclaimed, dropping outcome")
			return
		}
		log.Error().Err(err).Msg("failed to record attempt failure")
		return
	}

	if final {
		attemptsTotal.WithLabelValues("exhausted").Inc()
		log.Warn().
			Err(sendErr).
			Int("attempts", attempts).
			Msg("retry budget exhausted, job marked failed")
		return
	}

	attemptsTotal.WithLabelValues("retried").Inc()
	log.Info().
		Err(sendErr).
		Int("attempts", attempts).
		Time("next_attempt", next).
		Msg("delivery failed, retry scheduled")
}

func (p *Processor) observeDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// failed covers both entries awaiting a retry and exhausted ones; the
	// status label keeps that readable on the dashboard.
	for _, status := range []storage.EntryStatus{storage.EntryPending, storage.EntryFailed} {
		if n, err := p.store.CountEntriesByStatus(ctx, status); err == nil {
			queueDepth.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}
