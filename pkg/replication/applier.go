package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unijord/shardlog/pkg/faults"
)

var (
	// ErrConnection marks a retryable transport failure.
	ErrConnection = errors.New("replication: connection failed")
	// ErrTickNotAvailable is returned when the leader no longer retains
	// the requested tick; the follower needs a fresh snapshot.
	ErrTickNotAvailable = errors.New("replication: tick not available on leader")
	ErrNotConfigured    = errors.New("replication: applier has no endpoint")
	ErrRunning          = errors.New("replication: applier is running")
	ErrClosed           = errors.New("replication: applier is closed")
	ErrTickGap          = errors.New("replication: leader sent a tick gap")
)

// Config configures an Applier.
type Config struct {
	// ConsumerID identifies this applier at the leader, its watermark is
	// registered under this name.
	ConsumerID     string
	Sink           Sink
	Dialer         Dialer
	Store          StateStore
	Backoff        Backoff
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	BatchSize      int
	PollInterval   time.Duration
	Faults         faults.Injector
	Logger         *slog.Logger

	// HoldStopped keeps a persisted AutoStart from starting the applier in
	// Open. Tools that only inspect or edit the state set it.
	HoldStopped bool
}

func (c *Config) setDefaults() {
	c.Backoff = c.Backoff.withDefaults()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Store == nil {
		c.Store = &MemoryStateStore{}
	}
	c.Faults = faults.OrNop(c.Faults)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Applier tails a leader log and applies its operations through a Sink.
//
//	stopped --Start--> connecting --handshake--> running
//	running --error--> connecting (after backoff)
//	any     --Stop---> stopped
//
// With AutoStart set, Open starts the applier without an explicit Start.
type Applier struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	persisted PersistedState
	phase     Phase
	lastErr   string
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

// Open loads the persisted state and auto-starts the applier when it is
// configured to.
func Open(config Config) (*Applier, error) {
	if config.Sink == nil {
		return nil, errors.New("replication: sink is required")
	}
	if config.Dialer == nil {
		return nil, errors.New("replication: dialer is required")
	}
	if config.ConsumerID == "" {
		return nil, errors.New("replication: consumer id is required")
	}
	config.setDefaults()

	persisted, err := config.Store.Load()
	if err != nil {
		return nil, err
	}
	persisted.LastAppliedTick = max(persisted.LastAppliedTick, config.Sink.AppliedTick())

	a := &Applier{
		config:    config,
		logger:    config.Logger.With("component", "applier", "consumer", config.ConsumerID),
		persisted: persisted,
		phase:     PhaseStopped,
	}

	switch {
	case persisted.AutoStart && persisted.Endpoint != "" && config.HoldStopped:
		a.logger.Info("applier held stopped despite auto start", "endpoint", persisted.Endpoint)
	case persisted.AutoStart && persisted.Endpoint != "":
		a.logger.Info("auto starting applier", "endpoint", persisted.Endpoint)
		if err := a.Start(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Configure persists new properties. The applier must be stopped.
func (a *Applier) Configure(props Properties) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.phase != PhaseStopped {
		return ErrRunning
	}
	next := a.persisted
	next.Properties = props
	if err := a.config.Store.Save(next); err != nil {
		return fmt.Errorf("persist applier properties: %w", err)
	}
	a.persisted = next
	return nil
}

// Properties returns the current properties.
func (a *Applier) Properties() Properties {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persisted.Properties
}

// Start begins tailing the configured endpoint. Starting a running
// applier is a no-op.
func (a *Applier) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.persisted.Endpoint == "" {
		return ErrNotConfigured
	}
	if a.phase != PhaseStopped {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.phase = PhaseConnecting
	a.lastErr = ""
	go a.run(ctx, a.persisted.Endpoint, a.done)
	return nil
}

// Stop cancels any in-flight wait and returns once the applier goroutine
// exited. No tick is applied after Stop returns.
func (a *Applier) Stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	a.mu.Lock()
	a.phase = PhaseStopped
	last := a.persisted.LastAppliedTick
	err := a.config.Store.Save(a.persisted)
	a.mu.Unlock()
	a.logger.Info("applier stopped", "last_applied_tick", last)
	return err
}

// State returns the current state.
func (a *Applier) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Phase:               a.phase,
		Running:             a.phase != PhaseStopped,
		TotalFailedConnects: a.persisted.TotalFailedConnects,
		LastAppliedTick:     a.persisted.LastAppliedTick,
		Endpoint:            a.persisted.Endpoint,
		AutoStart:           a.persisted.AutoStart,
		LastError:           a.lastErr,
	}
}

// Close stops the applier for good.
func (a *Applier) Close() error {
	err := a.Stop()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return err
}

func (a *Applier) setPhase(p Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseStopped {
		a.phase = p
	}
}

func (a *Applier) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		a.setPhase(PhaseConnecting)
		healthy, err := a.session(ctx, endpoint)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			attempt = 0
		}
		a.recordFailure(err)

		delay := a.config.Backoff.Next(attempt)
		attempt++
		a.logger.Warn("replication session failed, retrying",
			"endpoint", endpoint,
			"error", err,
			"retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Applier) recordFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = err.Error()
	if errors.Is(err, ErrConnection) {
		a.persisted.TotalFailedConnects++
		a.phase = PhaseConnecting
	} else {
		a.phase = PhaseError
	}
	if serr := a.config.Store.Save(a.persisted); serr != nil {
		a.logger.Error("failed to persist applier state", "error", serr)
	}
}

func connectionError(err error) error {
	if err == nil || errors.Is(err, ErrConnection) || errors.Is(err, ErrTickNotAvailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// session connects once and tails until an error or cancellation. healthy
// reports whether at least one fetch succeeded, a handshake alone does not
// reset the backoff.
func (a *Applier) session(ctx context.Context, endpoint string) (healthy bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer cancel()

	client, err := a.config.Dialer(dctx, endpoint)
	if err != nil {
		return false, connectionError(err)
	}
	defer client.Close()

	hs, err := client.Handshake(dctx)
	if err != nil {
		return false, connectionError(err)
	}

	a.setPhase(PhaseRunning)
	a.logger.Info("connected to leader",
		"endpoint", endpoint,
		"server_id", hs.ServerID,
		"leader_first_tick", hs.FirstTick,
		"leader_last_tick", hs.LastTick,
		"applied_tick", a.config.Sink.AppliedTick())

	for {
		if err := ctx.Err(); err != nil {
			return healthy, err
		}
		n, fetched, err := a.pull(ctx, client)
		healthy = healthy || fetched
		if err != nil {
			return healthy, err
		}
		if n > 0 {
			continue
		}
		timer := time.NewTimer(a.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return healthy, ctx.Err()
		case <-timer.C:
		}
	}
}

// pull fetches and applies one batch and returns the number of applied
// operations. fetched is false when the leader refused the fetch.
func (a *Applier) pull(ctx context.Context, client LeaderClient) (applied int, fetched bool, err error) {
	from := a.config.Sink.AppliedTick() + 1

	rctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	batch, err := client.Fetch(rctx, a.config.ConsumerID, from, a.config.BatchSize)
	cancel()
	if err != nil {
		return 0, false, connectionError(err)
	}

	expected := from
	for _, op := range batch.Ops {
		if op.Tick < expected {
			continue
		}
		if op.Tick != expected {
			return applied, true, fmt.Errorf("%w: expected %d, got %d", ErrTickGap, expected, op.Tick)
		}
		if err := a.config.Faults.Check(faults.ReplicationBeforeApply); err != nil {
			return applied, true, err
		}
		if ctx.Err() != nil {
			return applied, true, ctx.Err()
		}
		if err := a.config.Sink.ApplyReplicated(op); err != nil {
			return applied, true, fmt.Errorf("apply tick %d: %w", op.Tick, err)
		}
		a.advance(op.Tick)
		expected++
		applied++
	}

	if applied > 0 {
		a.mu.Lock()
		serr := a.config.Store.Save(a.persisted)
		a.mu.Unlock()
		if serr != nil {
			a.logger.Error("failed to persist applier state", "error", serr)
		}
	}
	return applied, true, nil
}

func (a *Applier) advance(tick uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tick > a.persisted.LastAppliedTick {
		a.persisted.LastAppliedTick = tick
	}
}
