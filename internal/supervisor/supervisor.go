// Package supervisor owns the lifecycle of the single live engine process:
// bring-up with health polling, graceful teardown, idle timeout, and crash
// detection. All transitions are serialized by one mutex.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewayd/internal/config"
	"gatewayd/internal/engine"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultStopGraceful = 10 * time.Second
	defaultStopForce    = 5 * time.Second
)

// process is the slice of engine.Process the supervisor depends on; tests
// substitute fakes.
type process interface {
	Start() error
	Stop(graceful, force time.Duration)
	Done() <-chan struct{}
	PID() int
}

// RunningEngine is the supervisor's record of the one live engine.
type RunningEngine struct {
	Model   *config.Model
	Variant *config.Variant
	Client  engine.Client

	proc         process // nil for sideload engines
	lastActivity time.Time
	stopping     bool
	started      time.Time
}

// Supervisor ensures the requested variant is the unique live engine.
type Supervisor struct {
	mu        sync.Mutex
	current   *RunningEngine
	idleTimer *time.Timer
	down      bool

	clientOpts engine.Options
	pub        EventPublisher
	log        zerolog.Logger

	// Overridable for tests.
	newProcess   func(binary string, args []string) process
	newClient    func(kind, baseURL string) (engine.Client, error)
	pollInterval time.Duration
	stopGraceful time.Duration
	stopForce    time.Duration
}

// New constructs a Supervisor. clientOpts is forwarded into engine client
// construction.
func New(clientOpts engine.Options, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		clientOpts:   clientOpts,
		pub:          noopPublisher{},
		log:          log,
		pollInterval: defaultPollInterval,
		stopGraceful: defaultStopGraceful,
		stopForce:    defaultStopForce,
	}
	s.newProcess = func(binary string, args []string) process {
		return engine.NewProcess(binary, args, log)
	}
	s.newClient = func(kind, baseURL string) (engine.Client, error) {
		return engine.NewClient(kind, baseURL, clientOpts, log)
	}
	return s
}

// SetPublisher installs an EventPublisher; nil restores the no-op default.
func (s *Supervisor) SetPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	s.pub = p
}

// Ensure makes the given variant the unique live engine and returns its
// client. When the structurally equal variant is already live and healthy it
// is reused without a restart. Bring-up deliberately ignores caller
// cancellation: aborting a half-started engine would leak its resources, so
// the transition always runs to completion.
func (s *Supervisor) Ensure(ctx context.Context, model *config.Model, variant *config.Variant) (engine.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrShuttingDown()
	}

	if cur := s.current; cur != nil && cur.Model.Name == model.Name && cur.Variant.Equal(variant) {
		// Detached context: a cancelled request must not read as "unhealthy"
		// and trigger a pointless restart.
		if cur.Client.CheckHealth(context.Background(), variant.HealthCheckTimeout) {
			cur.lastActivity = time.Now()
			s.armIdleLocked(cur)
			s.pub.Publish(Event{Name: "ensure_hit", Model: model.Name, Context: variant.Context})
			return cur.Client, nil
		}
		s.log.Warn().Str("model", model.Name).Msg("current engine failed health check, restarting")
	}

	if cur := s.current; cur != nil && !(cur.Model.Name == model.Name && cur.Variant.Equal(variant)) {
		engineSwitchesTotal.Inc()
	}
	s.teardownLocked()
	return s.bringUpLocked(model, variant)
}

// bringUpLocked spawns the engine (unless sideloaded) and waits for health.
// Caller holds s.mu.
func (s *Supervisor) bringUpLocked(model *config.Model, variant *config.Variant) (engine.Client, error) {
	client, err := s.newClient(model.Engine, variant.Connect)
	if err != nil {
		return nil, ErrStartupFailed(err.Error())
	}

	var proc process
	if model.Managed() {
		proc = s.newProcess(variant.Binary, variant.Args)
		if err := proc.Start(); err != nil {
			s.pub.Publish(Event{Name: "spawn_failed", Model: model.Name, Err: err.Error()})
			return nil, ErrStartupFailed("spawn engine: " + err.Error())
		}
		engineSpawnsTotal.Inc()
		s.pub.Publish(Event{Name: "spawn_start", Model: model.Name, Context: variant.Context, PID: proc.PID()})
	}

	s.log.Info().
		Str("model", model.Name).
		Int("context", variant.Context).
		Str("connect", variant.Connect).
		Dur("timeout", variant.EngineStartupTimeout).
		Msg("waiting for engine to become ready")

	// Health polling is detached from the request context: once spawned,
	// the engine either becomes ready or is torn down here.
	deadline := time.Now().Add(variant.EngineStartupTimeout)
	for {
		if client.CheckHealth(context.Background(), variant.HealthCheckTimeout) {
			break
		}
		if proc != nil {
			select {
			case <-proc.Done():
				s.pub.Publish(Event{Name: "spawn_exit_early", Model: model.Name, PID: proc.PID()})
				return nil, ErrStartupFailed("engine exited before becoming ready")
			default:
			}
		}
		if time.Now().After(deadline) {
			if proc != nil {
				proc.Stop(s.stopGraceful, s.stopForce)
			}
			s.pub.Publish(Event{Name: "spawn_timeout", Model: model.Name, Context: variant.Context})
			return nil, ErrStartupTimeout(variant.EngineStartupTimeout)
		}
		time.Sleep(s.pollInterval)
	}

	eng := &RunningEngine{
		Model:        model,
		Variant:      variant,
		Client:       client,
		proc:         proc,
		lastActivity: time.Now(),
		started:      time.Now(),
	}
	s.current = eng
	s.armIdleLocked(eng)
	engineUp.Set(1)
	if proc != nil {
		go s.watchCrash(eng, proc)
		s.pub.Publish(Event{Name: "engine_ready", Model: model.Name, Context: variant.Context, PID: proc.PID()})
	} else {
		s.pub.Publish(Event{Name: "engine_ready", Model: model.Name, Context: variant.Context})
	}
	s.log.Info().Str("model", model.Name).Int("context", variant.Context).Msg("engine ready")
	return client, nil
}

// watchCrash clears the current engine when its process exits without a
// teardown in flight. A later Ensure brings up a fresh instance.
func (s *Supervisor) watchCrash(eng *RunningEngine, proc process) {
	<-proc.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != eng || eng.stopping {
		return
	}
	s.stopIdleLocked()
	s.current = nil
	engineUp.Set(0)
	engineCrashesTotal.Inc()
	s.pub.Publish(Event{Name: "engine_crash", Model: eng.Model.Name, PID: proc.PID()})
	s.log.Error().Str("model", eng.Model.Name).Int("pid", proc.PID()).Msg("engine process exited unexpectedly")
}

// teardownLocked stops the current engine. Idempotent, never fails. Caller
// holds s.mu.
func (s *Supervisor) teardownLocked() {
	s.stopIdleLocked()
	cur := s.current
	if cur == nil {
		return
	}
	cur.stopping = true
	if cur.proc != nil {
		cur.proc.Stop(s.stopGraceful, s.stopForce)
	}
	s.current = nil
	engineUp.Set(0)
	s.pub.Publish(Event{Name: "engine_stop", Model: cur.Model.Name})
	s.log.Info().Str("model", cur.Model.Name).Msg("engine stopped")
}

// armIdleLocked (re)schedules the idle teardown from the engine's
// lastActivity. Caller holds s.mu.
func (s *Supervisor) armIdleLocked(eng *RunningEngine) {
	s.stopIdleLocked()
	idle := eng.Variant.EngineIdleTimeout
	if idle <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(idle, s.onIdle)
}

func (s *Supervisor) stopIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// onIdle fires on the idle deadline. If activity happened since arming, the
// timer is rescheduled for the remainder; otherwise the engine is torn down.
func (s *Supervisor) onIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current
	if cur == nil {
		return
	}
	idle := cur.Variant.EngineIdleTimeout
	since := time.Since(cur.lastActivity)
	if since < idle {
		s.idleTimer = time.AfterFunc(idle-since, s.onIdle)
		return
	}
	engineIdleStopsTotal.Inc()
	s.pub.Publish(Event{Name: "idle_stop", Model: cur.Model.Name})
	s.log.Info().Str("model", cur.Model.Name).Dur("idle", since).Msg("idle timeout, stopping engine")
	s.teardownLocked()
}

// Touch refreshes the live engine's activity instant and idle deadline.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current; cur != nil {
		cur.lastActivity = time.Now()
		s.armIdleLocked(cur)
	}
}

// CurrentClient returns the live engine's client when it serves modelName,
// nil otherwise. Used by the selector for online token estimation.
func (s *Supervisor) CurrentClient(modelName string) engine.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current; cur != nil && !cur.stopping && cur.Model.Name == modelName {
		return cur.Client
	}
	return nil
}

// Current returns a snapshot of the live engine record, or nil.
func (s *Supervisor) Current() *RunningEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Shutdown tears the live engine down and refuses further Ensure calls.
// Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return
	}
	s.down = true
	s.teardownLocked()
}
