package wizard

// manager.go keeps the wizards of the HTTP API alive between requests.
//
// Each wizard is an Orchestrator keyed by a UUID. Every state change is
// persisted through Store so wizards survive a restart, and every resolved
// execution is appended to the execution history. A background sweep evicts
// wizards that have been idle longer than the session TTL and deletes their
// server-side sessions.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

// Record is a persisted wizard snapshot.
type Record struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionRecord is one entry of the execution history.
type ExecutionRecord struct {
	ID          string                    `json:"id"`
	WizardID    string                    `json:"wizard_id"`
	SessionID   string                    `json:"session_id"`
	Model       string                    `json:"model"`
	FileName    string                    `json:"file_name"`
	Policy      importsvc.ImportPolicy    `json:"policy"`
	SkipErrors  bool                      `json:"skip_errors"`
	BatchSize   int                       `json:"batch_size"`
	Status      importsvc.ExecutionStatus `json:"status"`
	TotalRows   int                       `json:"total_rows"`
	Created     int                       `json:"created"`
	Updated     int                       `json:"updated"`
	Failed      int                       `json:"failed"`
	Skipped     int                       `json:"skipped"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt time.Time                 `json:"completed_at"`
	RecordedAt  time.Time                 `json:"recorded_at"`
}

// NewExecutionRecord summarizes a resolved execution from the wizard state.
func NewExecutionRecord(wizardID string, s State) ExecutionRecord {
	rec := ExecutionRecord{
		ID:         uuid.NewString(),
		WizardID:   wizardID,
		SessionID:  s.SessionID(),
		Model:      s.SelectedModel,
		Policy:     s.ImportPolicy,
		BatchSize:  s.BatchSize,
		RecordedAt: time.Now().UTC(),
	}
	if s.Session != nil {
		rec.FileName = s.Session.FileName
	}
	if r := s.ImportResult; r != nil {
		rec.Status = r.Status
		rec.SkipErrors = r.SkipErrors
		rec.TotalRows = r.TotalRows
		rec.Created = r.Created
		rec.Updated = r.Updated
		rec.Failed = r.Failed
		rec.Skipped = r.Skipped
		rec.StartedAt = r.StartedAt
		rec.CompletedAt = r.CompletedAt
	}
	return rec
}

// Store persists wizard snapshots and the execution history.
type Store interface {
	SaveSnapshot(ctx context.Context, rec Record) error
	DeleteSnapshot(ctx context.Context, id string) error
	LoadSnapshots(ctx context.Context) ([]Record, error)
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
	History(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// ManagerConfig configures a Manager. Options is the template for every
// orchestrator; its ID and hooks are set by the Manager.
type ManagerConfig struct {
	Options        Options
	SessionTTL     time.Duration
	SweepInterval  time.Duration
	PersistTimeout time.Duration
}

// Manager is the registry of live wizards.
type Manager struct {
	client  importsvc.SessionClient
	store   Store
	limiter *ExecutionLimiter
	cfg     ManagerConfig

	mu      sync.RWMutex
	wizards map[string]*Orchestrator

	running sync.WaitGroup
}

// NewManager returns an empty registry. store may be nil, in which case
// nothing is persisted.
func NewManager(client importsvc.SessionClient, store Store, limiter *ExecutionLimiter, cfg ManagerConfig) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if limiter == nil {
		limiter = NewExecutionLimiter(0, 0)
	}
	return &Manager{
		client:  client,
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		wizards: make(map[string]*Orchestrator),
	}
}

func (m *Manager) newOrchestrator(id string) *Orchestrator {
	opts := m.cfg.Options
	opts.ID = id
	opts.OnChange = func(s State) { m.persist(id, s) }
	opts.OnExecuted = func(s State) { m.recordExecution(id, s) }
	return New(m.client, opts)
}

// Create starts a new wizard seeded with the Import Service's defaults.
func (m *Manager) Create(ctx context.Context) *Orchestrator {
	id := uuid.NewString()
	o := m.newOrchestrator(id)
	if err := o.LoadServiceDefaults(ctx); err != nil {
		slog.Warn("failed to load import defaults", "wizard_id", id, "error", err)
	}

	m.mu.Lock()
	m.wizards[id] = o
	m.mu.Unlock()

	m.persist(id, o.Snapshot())
	slog.Info("wizard created", "wizard_id", id)
	return o
}

// Get returns a live wizard or ErrWizardNotFound.
func (m *Manager) Get(id string) (*Orchestrator, error) {
	m.mu.RLock()
	o, ok := m.wizards[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWizardNotFound, id)
	}
	return o, nil
}

// Len returns the number of live wizards.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.wizards)
}

// Delete removes a wizard. Any in-flight operation is cancelled and the
// remote session is deleted on a best-effort basis.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.wizards[id]
	delete(m.wizards, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWizardNotFound, id)
	}

	o.Cancel()
	if sid := o.Snapshot().SessionID(); sid != "" {
		if err := m.client.DeleteSession(ctx, sid); err != nil && !importsvc.IsNotFound(err) {
			slog.Warn("failed to delete import session", "wizard_id", id, "session_id", sid, "error", err)
		}
	}

	if m.store != nil {
		if err := m.store.DeleteSnapshot(ctx, id); err != nil {
			slog.Warn("failed to delete wizard snapshot", "wizard_id", id, "error", err)
		}
	}
	slog.Info("wizard deleted", "wizard_id", id)
	return nil
}

// Execute starts an import in the background once an execution slot is
// free. It returns as soon as the wizard has entered the execute step; the
// outcome is visible in the wizard's state.
//
// The execution outlives ctx: only Cancel or shutdown stop it.
func (m *Manager) Execute(ctx context.Context, id string, skipErrors bool) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if o.Busy() {
		return ErrBusy
	}

	if err := m.limiter.Acquire(ctx); err != nil {
		return err
	}

	done, err := o.ExecuteImportAsync(context.WithoutCancel(ctx), skipErrors)
	if err != nil {
		m.limiter.Release()
		return err
	}

	m.running.Add(1)
	go func() {
		defer m.running.Done()
		defer m.limiter.Release()
		<-done
	}()
	return nil
}

// LimiterStatus reports execution slot usage.
func (m *Manager) LimiterStatus() LimiterStatus {
	return m.limiter.Status()
}

// History returns the most recent executions, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if m.store == nil {
		return []ExecutionRecord{}, nil
	}
	return m.store.History(ctx, limit)
}

// Restore rebuilds wizards from the store. A wizard persisted mid-execution
// cannot know its outcome, so it is restored with an error explaining that.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.LoadSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("load wizard snapshots: %w", err)
	}

	cutoff := time.Now().Add(-m.cfg.SessionTTL)
	restored := 0
	for _, rec := range records {
		if rec.UpdatedAt.Before(cutoff) {
			if err := m.store.DeleteSnapshot(ctx, rec.ID); err != nil {
				slog.Warn("failed to delete expired snapshot", "wizard_id", rec.ID, "error", err)
			}
			continue
		}

		st := rec.State
		if st.IsLoading && st.Step == StepExecute && st.ImportResult == nil {
			st.Error = "The import was interrupted by a service restart (Code: WIZ010). Check the import history before retrying"
		}

		o := m.newOrchestrator(rec.ID)
		if err := o.Restore(st); err != nil {
			slog.Warn("skipping unreadable wizard snapshot", "wizard_id", rec.ID, "error", err)
			continue
		}
		o.touched = rec.UpdatedAt

		m.mu.Lock()
		m.wizards[rec.ID] = o
		m.mu.Unlock()
		restored++
	}

	slog.Info("wizards restored", "count", restored, "stored", len(records))
	return restored, nil
}

// Sweep evicts wizards idle longer than the session TTL. Busy wizards are
// never evicted.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.SessionTTL)

	m.mu.RLock()
	var stale []string
	for id, o := range m.wizards {
		if !o.Busy() && o.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	evicted := 0
	for _, id := range stale {
		if err := m.Delete(ctx, id); err != nil && !errors.Is(err, ErrWizardNotFound) {
			slog.Warn("failed to evict wizard", "wizard_id", id, "error", err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		slog.Info("evicted idle wizards", "count", evicted)
	}
	return evicted
}

// Run sweeps on every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("wizard janitor started",
		"session_ttl", m.cfg.SessionTTL,
		"sweep_interval", m.cfg.SweepInterval,
	)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("wizard janitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown waits for background executions to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.mu.RLock()
		for _, o := range m.wizards {
			o.Cancel()
		}
		m.mu.RUnlock()
		return fmt.Errorf("executions still running at shutdown: %w", ctx.Err())
	}
}

// persist is skipped for wizards no longer registered, so an operation
// finishing after Delete cannot resurrect the snapshot.
func (m *Manager) persist(id string, s State) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	_, live := m.wizards[id]
	m.mu.RUnlock()
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()

	if err := m.store.SaveSnapshot(ctx, Record{ID: id, State: s, UpdatedAt: time.Now().UTC()}); err != nil {
		slog.Warn("failed to persist wizard snapshot", "wizard_id", id, "error", err)
	}
}

func (m *Manager) recordExecution(id string, s State) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()

	if err := m.store.RecordExecution(ctx, NewExecutionRecord(id, s)); err != nil {
		slog.Warn("failed to record execution", "wizard_id", id, "error", err)
	}
}
