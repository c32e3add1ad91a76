// Package health probes registered upstreams and maintains their health
// state machines, writing transitions back to the store and broadcasting
// them to live subscribers.
package health

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/store"
)

// Config holds the supervisor knobs.
type Config struct {
	Interval           time.Duration
	Timeout            time.Duration
	Concurrency        int64
	UnhealthyThreshold int
	HealthyThreshold   int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 1
	}
	return c
}

// Target is one probed upstream and its state machine position.
type Target struct {
	Namespace  string
	Type       model.EntityType
	Path       string
	ProxyURL   string
	Transports []model.Transport

	state         model.HealthState
	failures      int // consecutive failures while counting toward unhealthy
	successes     int // consecutive successes while counting toward healthy
	lastProbeAt   time.Time
	lastOKAt      time.Time
	everSucceeded bool
}

// Supervisor runs the probe loop. Targets follow the store through the
// change bus: enabled entities are probed, disabled and deleted ones are
// retired with a final Disabled transition.
type Supervisor struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger

	httpProbe Prober
	mcpProbe  Prober

	sem       *semaphore.Weighted
	broadcast *Broadcaster
	rnd       func() float64

	mu      sync.Mutex
	targets map[string]*Target

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// New creates a supervisor. Call LoadTargets, then Start.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		store:     st,
		cfg:       cfg,
		logger:    logger,
		httpProbe: &HTTPProber{Client: &http.Client{Timeout: cfg.Timeout}},
		mcpProbe:  &MCPProber{},
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		broadcast: NewBroadcaster(),
		rnd:       rand.Float64,
		targets:   make(map[string]*Target),
		done:      make(chan struct{}),
	}
}

// Transitions exposes the live transition stream.
func (s *Supervisor) Transitions() *Broadcaster { return s.broadcast }

func targetKey(ns string, typ model.EntityType, path string) string {
	return ns + "/" + string(typ) + ":" + path
}

// LoadTargets seeds the probe set with every enabled entity of the
// namespace. Pre-existing health state is carried over so a restart does
// not reset counters to Unknown unnecessarily.
func (s *Supervisor) LoadTargets(ctx context.Context, ns string) error {
	for _, typ := range []model.EntityType{model.EntityServer, model.EntityAgent} {
		for reg, err := range s.store.Registrables(ctx, ns, typ, store.ListOptions{EnabledOnly: true}) {
			if err != nil {
				return err
			}
			s.track(ns, reg)
		}
	}
	return nil
}

func (s *Supervisor) track(ns string, reg model.Registrable) {
	h := reg.HealthRecord()
	t := &Target{
		Namespace:  ns,
		Type:       reg.EntityKind(),
		Path:       reg.EntityPath(),
		ProxyURL:   reg.Upstream(),
		Transports: reg.Transports(),
		state:      h.State,
		failures:   h.ConsecutiveFailures,
	}
	if t.state == "" || t.state == model.HealthDisabled {
		t.state = model.HealthUnknown
	}
	if h.LastOKAt != nil {
		t.lastOKAt = *h.LastOKAt
		t.everSucceeded = true
	}
	s.mu.Lock()
	s.targets[targetKey(ns, t.Type, t.Path)] = t
	s.mu.Unlock()
}

func (s *Supervisor) retire(ctx context.Context, ns string, typ model.EntityType, path string, persist bool) {
	key := targetKey(ns, typ, path)
	s.mu.Lock()
	t, ok := s.targets[key]
	delete(s.targets, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	from := t.state
	t.state = model.HealthDisabled
	s.broadcast.publish(model.HealthTransition{
		Namespace: ns, Type: typ, Path: path,
		From: from, To: model.HealthDisabled, At: time.Now().UTC(),
	})
	if persist {
		s.writeHealth(ctx, t)
	}
}

// Start subscribes to the change bus and begins the probe loop.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("health: Start called more than once, ignoring")
		return
	}
	sub := s.store.Bus().Subscribe(128)
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel

	go func() {
		defer s.once.Do(func() { close(s.done) })
		defer sub.Close()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case ev := <-sub.C:
				s.handleEvent(loopCtx, ev)
			case <-ticker.C:
				s.probeAll(loopCtx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("health: stop timed out")
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev model.ChangeEvent) {
	if ev.Type != model.EntityServer && ev.Type != model.EntityAgent {
		return
	}
	switch ev.Op {
	case model.OpDeleted:
		// The entity row is gone; only announce the transition.
		s.retire(ctx, ev.Namespace, ev.Type, ev.Path, false)
	case model.OpCreated, model.OpUpdated, model.OpToggled:
		reg := ev.Snapshot
		if reg == nil {
			var err error
			reg, err = s.store.GetRegistrable(ctx, ev.Namespace, ev.Type, ev.Path)
			if err != nil {
				s.logger.Warn("health: fetch target failed", "path", ev.Path, "error", err)
				return
			}
		}
		if reg.Enabled() {
			s.track(ev.Namespace, reg)
		} else {
			s.retire(ctx, ev.Namespace, ev.Type, ev.Path, true)
		}
	}
}

// probeAll launches one jittered probe per target, bounded by the
// concurrency semaphore.
func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	batch := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		batch = append(batch, t)
	}
	s.mu.Unlock()

	for _, t := range batch {
		go func(t *Target) {
			delay := jitter(s.rnd, s.cfg.Interval/2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			s.probeOne(ctx, t)
		}(t)
	}
}

func (s *Supervisor) probeOne(ctx context.Context, t *Target) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err := proberFor(*t, s.httpProbe, s.mcpProbe).Probe(probeCtx, *t)
	cancel()

	s.mu.Lock()
	// The target may have been retired while the probe was in flight.
	if s.targets[targetKey(t.Namespace, t.Type, t.Path)] != t {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.lastProbeAt = now
	from := t.state
	if err == nil {
		t.lastOKAt = now
		t.everSucceeded = true
		t.failures = 0
		t.successes++
		switch t.state {
		case model.HealthUnknown:
			t.state = model.HealthHealthy
		case model.HealthUnhealthy:
			if t.successes >= s.cfg.HealthyThreshold {
				t.state = model.HealthHealthy
			}
		}
	} else {
		t.successes = 0
		t.failures++
		if t.state != model.HealthUnhealthy && t.failures >= s.cfg.UnhealthyThreshold {
			t.state = model.HealthUnhealthy
		}
	}
	to := t.state
	snapshot := *t
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("health: probe failed", "path", t.Path, "failures", snapshot.failures, "error", err)
	}

	if from != to {
		s.broadcast.publish(model.HealthTransition{
			Namespace: t.Namespace, Type: t.Type, Path: t.Path,
			From: from, To: to, At: now,
		})
		s.logger.Info("health: state transition",
			"path", t.Path, "from", from, "to", to, "failures", snapshot.failures)
	}
	s.writeHealth(ctx, &snapshot)
}

// writeHealth persists the health subrecord with bounded retries. Backend
// outages are logged and dropped; the next probe cycle rewrites the state.
func (s *Supervisor) writeHealth(ctx context.Context, t *Target) {
	h := model.Health{
		State:               t.state,
		ConsecutiveFailures: t.failures,
	}
	if !t.lastProbeAt.IsZero() {
		probeAt := t.lastProbeAt
		h.LastProbeAt = &probeAt
	}
	if t.everSucceeded {
		okAt := t.lastOKAt
		h.LastOKAt = &okAt
	}

	operation := func() (struct{}, error) {
		return struct{}{}, s.store.SetHealth(ctx, t.Namespace, t.Type, t.Path, h)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3),
	); err != nil {
		s.logger.Warn("health: persist state failed, will retry next cycle",
			"path", t.Path, "state", t.state, "error", err)
	}
}

// ProbeNow runs one synchronous probe pass over all targets. Used by tests
// and the admin trigger endpoint; production probing rides the ticker.
func (s *Supervisor) ProbeNow(ctx context.Context) {
	s.mu.Lock()
	batch := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		batch = append(batch, t)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range batch {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.probeOne(ctx, t)
		}(t)
	}
	wg.Wait()
}

// TargetCount reports the number of tracked targets.
func (s *Supervisor) TargetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}
