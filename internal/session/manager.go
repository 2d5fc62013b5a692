package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/metrics"
	"github.com/agentease/streamrelay/internal/model"
	"github.com/agentease/streamrelay/internal/push"
	"github.com/agentease/streamrelay/internal/results"
	"github.com/agentease/streamrelay/internal/worker"
)

// Reasons reported in session_ended events and the journal.
const (
	ReasonEnded      = "ended"
	ReasonDisconnect = "owner_disconnected"
	ReasonShutdown   = "shutdown"
)

// Journal records session lifecycle milestones.
type Journal interface {
	RecordStart(ctx context.Context, s model.Session) error
	RecordWorkerExit(ctx context.Context, sessionID string, generation uint64, exitCode int, timedOut bool) error
	RecordEnd(ctx context.Context, sessionID, reason string) error
}

// Config holds configuration for the session manager.
type Config struct {
	// MaxPerUser caps concurrently live sessions per owner. Zero means no cap.
	MaxPerUser int

	// EndOnDisconnect ends an owner's sessions once their last push
	// connection closes.
	EndOnDisconnect bool

	// RetainResults keeps cached results readable after a session ends.
	RetainResults bool

	Worker worker.Config
}

// Manager wires the registry, worker supervisor, result cache and push hub
// together. It implements worker.Events.
type Manager struct {
	cfg        Config
	registry   *Registry
	supervisor *worker.Supervisor
	cache      *results.Cache
	hub        *push.Hub
	journal    Journal
	log        *logger.Logger
	metrics    *metrics.Metrics

	// startMu makes the per-owner cap check and insertion atomic.
	startMu sync.Mutex
}

var _ worker.Events = (*Manager)(nil)

// NewManager creates a session manager. journal may be nil.
func NewManager(cfg Config, cache *results.Cache, hub *push.Hub, journal Journal, log *logger.Logger, m *metrics.Metrics, opts ...worker.Option) *Manager {
	mgr := &Manager{
		cfg:      cfg,
		registry: NewRegistry(cfg.Worker.KillGrace),
		cache:    cache,
		hub:      hub,
		journal:  journal,
		log:      log,
		metrics:  m,
	}
	mgr.supervisor = worker.NewSupervisor(cfg.Worker, mgr.registry, mgr, log, m, opts...)

	if cfg.EndOnDisconnect {
		hub.OnOwnerIdle(mgr.onOwnerIdle)
	}
	return mgr
}

// Registry returns the session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start registers a session for the owner and launches its worker. A worker
// that fails to launch is reported to the owner as a processing_error; the
// session stays registered without a worker.
func (m *Manager) Start(ctx context.Context, req *model.StartSessionRequest) (model.Session, error) {
	if err := req.Validate(); err != nil {
		return model.Session{}, err
	}
	if req.UserID == "" {
		return model.Session{}, model.ErrUnauthorized
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	m.startMu.Lock()
	if m.cfg.MaxPerUser > 0 && m.registry.CountByOwner(req.UserID) >= m.cfg.MaxPerUser {
		m.startMu.Unlock()
		return model.Session{}, fmt.Errorf("%w: maximum active sessions (%d) reached for user", model.ErrConcurrencyLimit, m.cfg.MaxPerUser)
	}
	sess, err := m.registry.Create(req.SessionID, req.UserID, req.StreamRef)
	m.startMu.Unlock()
	if err != nil {
		return model.Session{}, err
	}

	// A reused ID starts with an empty result list.
	m.cache.Delete(sess.ID)

	log := m.log.WithSessionID(sess.ID).WithUserID(sess.UserID)
	m.metrics.SessionsStarted.Inc()
	m.metrics.ActiveSessions.Inc()
	log.Info("Session started", zap.String("stream", sess.StreamRef))

	if m.journal != nil {
		if err := m.journal.RecordStart(ctx, sess); err != nil {
			log.Warn("Failed to journal session start", zap.Error(err))
		}
	}

	started := model.NewEvent(model.EventTypeSessionStarted, sess.ID)
	started.UserID = sess.UserID
	started.StreamRef = sess.StreamRef
	m.hub.Broadcast(sess.UserID, started)

	if _, err := m.supervisor.Start(sess.ID); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		log.Debug("Session has no worker", zap.Error(err))
	}

	if current, ok := m.registry.Get(sess.ID); ok {
		return current, nil
	}
	return sess, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (model.Session, bool) {
	return m.registry.Get(id)
}

// GetOwned returns a live session if it belongs to userID.
func (m *Manager) GetOwned(id, userID string) (model.Session, error) {
	sess, ok := m.registry.Get(id)
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	if sess.UserID != userID {
		return model.Session{}, model.ErrForbidden
	}
	return sess, nil
}

// List returns the owner's live sessions.
func (m *Manager) List(userID string) []model.Session {
	return m.registry.ListByOwner(userID)
}

// Results returns the cached results of a session.
func (m *Manager) Results(sessionID string) []model.Result {
	return m.cache.Get(sessionID)
}

// Restart launches a fresh worker for a live session of the owner. A worker
// still running is superseded and killed.
func (m *Manager) Restart(sessionID, userID string) (model.Session, error) {
	if _, err := m.GetOwned(sessionID, userID); err != nil {
		return model.Session{}, err
	}
	if _, err := m.supervisor.Start(sessionID); err != nil {
		return model.Session{}, err
	}
	return m.GetOwned(sessionID, userID)
}

// End tears down a session on behalf of its owner.
func (m *Manager) End(ctx context.Context, sessionID, userID string) error {
	if _, err := m.GetOwned(sessionID, userID); err != nil {
		return err
	}
	return m.teardown(ctx, sessionID, ReasonEnded)
}

// teardown stops the session's worker, announces the end and releases the
// session. The owner's push connections are closed once they have no live
// session left.
func (m *Manager) teardown(ctx context.Context, sessionID, reason string) error {
	sess, err := m.registry.Remove(ctx, sessionID)
	if errors.Is(err, model.ErrSessionNotFound) {
		return err
	}
	log := m.log.WithSessionID(sessionID).WithUserID(sess.UserID)
	if err != nil {
		log.Warn("Worker did not stop cleanly", zap.Error(err))
	}

	// Superseded workers may still be shutting down.
	if err := m.supervisor.Stop(ctx, sessionID); err != nil {
		log.Warn("Failed to stop superseded worker", zap.Error(err))
	}

	if m.cfg.RetainResults {
		m.cache.Retire(sessionID)
	} else {
		m.cache.Delete(sessionID)
	}

	m.metrics.SessionsEnded.Inc()
	m.metrics.ActiveSessions.Dec()
	log.Info("Session ended", zap.String("reason", reason), zap.Duration("duration", time.Since(sess.StartedAt)))

	if m.journal != nil {
		if err := m.journal.RecordEnd(ctx, sessionID, reason); err != nil {
			log.Warn("Failed to journal session end", zap.Error(err))
		}
	}

	ended := model.NewEvent(model.EventTypeSessionEnded, sessionID)
	ended.UserID = sess.UserID
	ended.Reason = reason
	m.hub.Broadcast(sess.UserID, ended)

	if m.registry.CountByOwner(sess.UserID) == 0 {
		m.hub.CloseOwner(sess.UserID)
	}
	return nil
}

// onOwnerIdle ends every session of an owner whose last push connection closed.
func (m *Manager) onOwnerIdle(ownerID string) {
	sessions := m.registry.ListByOwner(ownerID)
	if len(sessions) == 0 {
		return
	}

	m.log.WithUserID(ownerID).Info("Owner disconnected, ending sessions", zap.Int("sessions", len(sessions)))
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Worker.KillGrace+5*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := m.teardown(ctx, s.ID, ReasonDisconnect); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			m.log.WithSessionID(s.ID).Warn("Failed to end session", zap.Error(err))
		}
	}
}

// Close ends every session and waits for all workers to exit.
func (m *Manager) Close(ctx context.Context) error {
	for _, s := range m.registry.List() {
		if err := m.teardown(ctx, s.ID, ReasonShutdown); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			m.log.WithSessionID(s.ID).Warn("Failed to end session on shutdown", zap.Error(err))
		}
	}
	return m.supervisor.Close(ctx)
}

// OnResult caches a parsed record and pushes it to the owner.
func (m *Manager) OnResult(h *worker.Handle, result model.Result) {
	if _, _, ok := m.registry.Lookup(h.SessionID); !ok {
		return
	}

	if dropped := m.cache.Append(h.SessionID, result); dropped > 0 {
		m.metrics.ResultsDropped.Add(float64(dropped))
	}

	event := model.NewEvent(model.EventTypeProcessingResult, h.SessionID)
	event.UserID = h.UserID
	event.Result = &result
	m.hub.Broadcast(h.UserID, event)
}

// OnDiagnostic forwards worker diagnostics to the owner as a soft error.
func (m *Manager) OnDiagnostic(h *worker.Handle, text string) {
	if _, _, ok := m.registry.Lookup(h.SessionID); !ok {
		return
	}
	m.log.WithSessionID(h.SessionID).Debug("Worker diagnostic", zap.String("text", text))

	event := model.NewEvent(model.EventTypeProcessingError, h.SessionID)
	event.UserID = h.UserID
	event.Error = text
	m.hub.Broadcast(h.UserID, event)
}

// OnSpawnFailure reports a worker that could not be launched.
func (m *Manager) OnSpawnFailure(sessionID, userID string, err error) {
	event := model.NewEvent(model.EventTypeProcessingError, sessionID)
	event.UserID = userID
	event.Error = fmt.Sprintf("failed to start processing: %v", err)
	m.hub.Broadcast(userID, event)
}

// OnExit journals a worker exit.
func (m *Manager) OnExit(h *worker.Handle, exitCode int, err error) {
	if err != nil {
		m.log.WithSessionID(h.SessionID).Warn("Worker wait failed", zap.Error(err))
	}
	if m.journal == nil {
		return
	}
	if jerr := m.journal.RecordWorkerExit(context.Background(), h.SessionID, h.Generation(), exitCode, h.TimedOut()); jerr != nil {
		m.log.WithSessionID(h.SessionID).Warn("Failed to journal worker exit", zap.Error(jerr))
	}
}
