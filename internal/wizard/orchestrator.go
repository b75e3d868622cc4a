package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

// Batch size defaults used when neither Options nor the Import Service
// provide them.
const (
	DefaultBatchSize    = 1000
	DefaultMinBatchSize = 100
	DefaultMaxBatchSize = 10000
)

// Options configures an Orchestrator.
type Options struct {
	ID                  string
	DefaultBatchSize    int
	SuggestionThreshold float64

	// Bounds is used by BatchAdvice when the Import Service does not declare
	// its own batch size range.
	Bounds importsvc.BatchBounds

	FileLimits importsvc.FileLimits
	Planner    Planner
	Logger     *slog.Logger

	// OnChange receives a snapshot after every state change. It is called
	// outside the orchestrator's lock, in change order; a snapshot overtaken
	// by a newer one is dropped.
	OnChange func(State)

	// OnExecuted receives the state once an execution has resolved, whether
	// the import completed or failed.
	OnExecuted func(State)
}

// modelInvalidator is implemented by clients that cache model metadata.
type modelInvalidator interface {
	InvalidateModel(ctx context.Context, model string) error
}

// Orchestrator owns one wizard's State. At most one operation that talks to
// the Import Service runs at a time; a second one is rejected with ErrBusy
// without touching state. Network calls run outside the lock and their
// results are applied under it.
type Orchestrator struct {
	client importsvc.SessionClient
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	metadata *importsvc.ModelMetadata
	cancel   context.CancelFunc
	op       string
	touched  time.Time
	rev      uint64

	notifyMu sync.Mutex
	notified uint64
}

// New returns an orchestrator in the initial state.
func New(client importsvc.SessionClient, opts Options) *Orchestrator {
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = DefaultBatchSize
	}
	if opts.SuggestionThreshold <= 0 {
		opts.SuggestionThreshold = DefaultSuggestionThreshold
	}
	if opts.Planner.RowsPerSecond <= 0 {
		opts.Planner = DefaultPlanner()
	}
	if opts.Bounds.Max <= 0 {
		opts.Bounds = importsvc.BatchBounds{
			Default: opts.DefaultBatchSize,
			Min:     DefaultMinBatchSize,
			Max:     max(DefaultMaxBatchSize, opts.DefaultBatchSize),
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		client:  client,
		opts:    opts,
		log:     logger.With("wizard_id", opts.ID),
		state:   InitialState(opts.DefaultBatchSize),
		touched: time.Now(),
	}
}

// ID returns the identifier given in Options.
func (o *Orchestrator) ID() string { return o.opts.ID }

// Snapshot returns a deep copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Metadata returns the selected model's metadata, or nil.
func (o *Orchestrator) Metadata() *importsvc.ModelMetadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.metadata == nil {
		return nil
	}
	m := *o.metadata
	m.Fields = slices.Clone(o.metadata.Fields)
	return &m
}

// UnmappedRequiredFields lists required model fields that are neither mapped
// to a column nor given a default value. It returns nil until metadata is known.
func (o *Orchestrator) UnmappedRequiredFields() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.metadata == nil {
		return nil
	}

	covered := make(map[string]bool)
	for _, m := range o.state.ColumnMappings {
		if m.FieldName != "" {
			covered[m.FieldName] = true
		}
	}
	for field := range o.state.DefaultValues {
		covered[field] = true
	}

	var missing []string
	for _, f := range o.metadata.RequiredFields() {
		if !covered[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

// Busy reports whether an operation is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.IsLoading
}

// LastActivity is when state last changed or an operation last started.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.touched
}

// Cancel aborts the in-flight operation, if any. The operation still
// resolves through its normal failure path.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.log.Info("cancelling operation", "op", o.op)
	o.cancel()
	return true
}

type finishFunc func(err error, apply func(*State)) error

// begin claims the single operation slot. The returned finish must be
// called exactly once: on error it records the message in State.Error and
// leaves everything else alone; on success it runs apply and clears Error.
// Either way IsLoading is released.
func (o *Orchestrator) begin(ctx context.Context, op string) (context.Context, State, finishFunc, error) {
	o.mu.Lock()
	if o.state.IsLoading {
		inFlight := o.op
		o.mu.Unlock()
		o.log.Debug("operation rejected", "op", op, "in_flight", inFlight)
		return nil, State{}, nil, ErrBusy
	}
	opCtx, cancel := context.WithCancel(ctx)
	o.state.IsLoading = true
	o.cancel = cancel
	o.op = op
	o.touched = time.Now()
	snap := o.state.Clone()
	o.mu.Unlock()

	log := o.log.With("op", op, "session_id", snap.SessionID())
	log.Debug("operation started")

	finish := func(err error, apply func(*State)) error {
		o.mu.Lock()
		if err != nil {
			o.state.Error = describeError(err)
		} else {
			if apply != nil {
				apply(&o.state)
			}
			o.state.Error = ""
		}
		o.state.IsLoading = false
		o.cancel = nil
		o.op = ""
		o.touched = time.Now()
		rev, after := o.changed()
		o.mu.Unlock()
		cancel()

		if err != nil {
			log.Warn("operation failed", "error", err)
		} else {
			log.Debug("operation finished", "step", after.Step)
		}
		o.notify(rev, after)
		return err
	}

	return opCtx, snap, finish, nil
}

// mutate applies a synchronous change. fn must validate before writing.
func (o *Orchestrator) mutate(fn func(*State) error) error {
	o.mu.Lock()
	if o.state.IsLoading {
		o.mu.Unlock()
		return ErrBusy
	}
	if err := fn(&o.state); err != nil {
		o.mu.Unlock()
		return err
	}
	o.touched = time.Now()
	rev, after := o.changed()
	o.mu.Unlock()

	o.notify(rev, after)
	return nil
}

// changed stamps a new revision. Caller holds o.mu.
func (o *Orchestrator) changed() (uint64, State) {
	o.rev++
	return o.rev, o.state.Clone()
}

func (o *Orchestrator) notify(rev uint64, s State) {
	if o.opts.OnChange == nil {
		return
	}
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	if rev <= o.notified {
		return
	}
	o.notified = rev
	o.opts.OnChange(s)
}

// SelectModel fetches the model's metadata and selects it.
func (o *Orchestrator) SelectModel(ctx context.Context, model string) error {
	opCtx, _, finish, err := o.begin(ctx, "select_model")
	if err != nil {
		return err
	}

	meta, err := o.client.ModelMetadata(opCtx, model)
	if err != nil {
		return finish(err, nil)
	}
	return finish(nil, func(s *State) {
		s.SelectedModel = model
		o.metadata = meta
	})
}

// UploadFile checks the file locally, creates a server session from it and
// moves to the mapping step with one unmapped entry per detected column.
func (o *Orchestrator) UploadFile(ctx context.Context, file importsvc.Upload) error {
	opCtx, snap, finish, err := o.begin(ctx, "upload_file")
	if err != nil {
		return err
	}
	if snap.SelectedModel == "" {
		return finish(ErrNoModelSelected, nil)
	}
	if err := importsvc.CheckUpload(file, o.fileLimits(opCtx)); err != nil {
		return finish(err, nil)
	}

	sess, err := o.client.CreateSession(opCtx, snap.SelectedModel, file)
	if err != nil {
		return finish(err, nil)
	}

	err = finish(nil, func(s *State) {
		s.Session = sess
		s.ColumnMappings = seedMappings(sess)
		s.PreviewData = nil
		s.ImportResult = nil
		s.Step = StepMapping
	})

	if prev := snap.SessionID(); prev != "" && prev != sess.ID {
		o.deleteRemote(ctx, prev)
	}
	return err
}

// fileLimits merges local limits with the service's declared ones. The
// service config is optional: without it the local limits apply.
func (o *Orchestrator) fileLimits(ctx context.Context) importsvc.FileLimits {
	cfg, err := o.client.ImportConfig(ctx)
	if err != nil {
		o.log.Debug("import config unavailable, using local file limits", "error", err)
		return o.opts.FileLimits
	}
	return importsvc.LimitsFromConfig(o.opts.FileLimits, cfg)
}

func (o *Orchestrator) deleteRemote(ctx context.Context, sessionID string) {
	if err := o.client.DeleteSession(ctx, sessionID); err != nil && !importsvc.IsNotFound(err) {
		o.log.Warn("failed to delete import session", "session_id", sessionID, "error", err)
	}
}

// UpdateColumnMappings replaces the mapping list. Once a session exists,
// every mapping must name a detected column.
func (o *Orchestrator) UpdateColumnMappings(mappings []importsvc.ColumnMapping) error {
	return o.mutate(func(s *State) error {
		if s.Session != nil {
			known := make(map[string]bool, len(s.Session.Columns))
			for _, c := range s.Session.Columns {
				known[c.Name] = true
			}
			for _, m := range mappings {
				if !known[m.ColumnName] {
					return fmt.Errorf("%w: %q", ErrUnknownColumn, m.ColumnName)
				}
			}
		}
		s.ColumnMappings = slices.Clone(mappings)
		if s.ColumnMappings == nil {
			s.ColumnMappings = []importsvc.ColumnMapping{}
		}
		return nil
	})
}

// UpdateImportSettings merges patch into the settings.
func (o *Orchestrator) UpdateImportSettings(patch SettingsPatch) error {
	patch, err := patch.normalize()
	if err != nil {
		return err
	}
	return o.mutate(func(s *State) error {
		patch.apply(s)
		return nil
	})
}

// GoToStep jumps to step unconditionally; gating is the caller's business.
func (o *Orchestrator) GoToStep(step Step) error {
	if !step.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStep, step)
	}
	return o.mutate(func(s *State) error {
		s.Step = step
		return nil
	})
}

// Restore replaces the state with a persisted snapshot.
func (o *Orchestrator) Restore(st State) error {
	if !st.Step.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStep, st.Step)
	}
	return o.mutate(func(s *State) error {
		*s = st.Clone()
		s.IsLoading = false
		if s.ColumnMappings == nil {
			s.ColumnMappings = []importsvc.ColumnMapping{}
		}
		if s.DefaultValues == nil {
			s.DefaultValues = map[string]string{}
		}
		if s.BatchSize <= 0 {
			s.BatchSize = o.opts.DefaultBatchSize
		}
		o.metadata = nil
		return nil
	})
}

// GetMappingSuggestions returns the server's suggestions for the current
// session, or an empty list when there is no session yet. Mappings are left
// alone.
func (o *Orchestrator) GetMappingSuggestions(ctx context.Context) ([]importsvc.MappingSuggestion, error) {
	if o.Snapshot().Session == nil {
		return []importsvc.MappingSuggestion{}, nil
	}

	opCtx, snap, finish, err := o.begin(ctx, "get_mapping_suggestions")
	if err != nil {
		return nil, err
	}
	if snap.Session == nil {
		return []importsvc.MappingSuggestion{}, finish(nil, nil)
	}

	suggestions, err := o.client.MappingSuggestions(opCtx, snap.Session.ID)
	if err != nil {
		return nil, finish(err, nil)
	}
	if suggestions == nil {
		suggestions = []importsvc.MappingSuggestion{}
	}
	return suggestions, finish(nil, nil)
}

// ApplyMappingSuggestions fetches suggestions and merges those above
// threshold into the mappings in one operation. A non-positive threshold
// uses the configured default. It returns how many mappings changed.
func (o *Orchestrator) ApplyMappingSuggestions(ctx context.Context, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = o.opts.SuggestionThreshold
	}

	opCtx, snap, finish, err := o.begin(ctx, "apply_mapping_suggestions")
	if err != nil {
		return 0, err
	}
	if snap.Session == nil {
		return 0, finish(ErrNoSession, nil)
	}

	suggestions, err := o.client.MappingSuggestions(opCtx, snap.Session.ID)
	if err != nil {
		return 0, finish(err, nil)
	}

	var changed int
	err = finish(nil, func(s *State) {
		next := ApplySuggestions(s.ColumnMappings, suggestions, threshold)
		changed = countChanged(s.ColumnMappings, next)
		s.ColumnMappings = next
	})
	return changed, err
}

func previewRequest(s State) importsvc.PreviewRequest {
	return importsvc.PreviewRequest{
		Mappings:             s.ColumnMappings,
		Policy:               s.ImportPolicy,
		SkipValidationErrors: s.SkipValidationErrors,
		DefaultValues:        s.DefaultValues,
	}
}

// GeneratePreview validates a sample of the file and moves to the preview
// step. BatchSize is not changed.
func (o *Orchestrator) GeneratePreview(ctx context.Context) error {
	opCtx, snap, finish, err := o.begin(ctx, "generate_preview")
	if err != nil {
		return err
	}
	if snap.Session == nil {
		return finish(ErrNoSession, nil)
	}

	res, err := o.client.GeneratePreview(opCtx, snap.Session.ID, previewRequest(snap))
	if err != nil {
		return finish(err, nil)
	}
	return finish(nil, func(s *State) {
		s.PreviewData = res
		s.ImportResult = nil
		s.Step = StepPreview
	})
}

// GenerateBatchPreview loads one batch of the preview. It replaces the
// preview payload but does not change step.
func (o *Orchestrator) GenerateBatchPreview(ctx context.Context, batchNumber int) error {
	opCtx, snap, finish, err := o.begin(ctx, "generate_batch_preview")
	if err != nil {
		return err
	}
	if snap.Session == nil {
		return finish(ErrNoSession, nil)
	}
	if batchNumber < 0 {
		return finish(fmt.Errorf("%w: %d", ErrInvalidBatch, batchNumber), nil)
	}
	// The previous page only bounds the index when it was cut with the
	// current batch size.
	if p := snap.PreviewData; p != nil && p.BatchInfo != nil &&
		p.BatchInfo.BatchSize == snap.BatchSize && p.BatchInfo.TotalBatches > 0 &&
		batchNumber >= p.BatchInfo.TotalBatches {
		return finish(fmt.Errorf("%w: %d of %d", ErrInvalidBatch, batchNumber, p.BatchInfo.TotalBatches), nil)
	}

	req := previewRequest(snap)
	size := snap.BatchSize
	req.BatchNumber = &batchNumber
	req.BatchSize = &size

	res, err := o.client.GeneratePreview(opCtx, snap.Session.ID, req)
	if err != nil {
		return finish(err, nil)
	}
	return finish(nil, func(s *State) {
		s.PreviewData = res
	})
}

// ValidateFullFile validates every row rather than a sample and moves to
// the preview step.
func (o *Orchestrator) ValidateFullFile(ctx context.Context) error {
	opCtx, snap, finish, err := o.begin(ctx, "validate_full_file")
	if err != nil {
		return err
	}
	if snap.Session == nil {
		return finish(ErrNoSession, nil)
	}

	res, err := o.client.ValidateFullFile(opCtx, snap.Session.ID, previewRequest(snap))
	if err != nil {
		return finish(err, nil)
	}
	return finish(nil, func(s *State) {
		s.PreviewData = res
		s.ImportResult = nil
		s.Step = StepPreview
	})
}

// ExecuteImport runs the import with the persisted SkipErrors setting.
func (o *Orchestrator) ExecuteImport(ctx context.Context) error {
	run, err := o.startExecute(ctx, false)
	if err != nil {
		return err
	}
	return run()
}

// ExecuteImportWithSkipErrors runs the import with skip_errors forced on
// for this call only. The persisted SkipErrors setting is not changed.
func (o *Orchestrator) ExecuteImportWithSkipErrors(ctx context.Context) error {
	run, err := o.startExecute(ctx, true)
	if err != nil {
		return err
	}
	return run()
}

// ExecuteImportAsync performs the synchronous part of an execution (guards
// and the move to the execute step) and finishes it in a goroutine. The
// returned channel yields the outcome once and is then closed.
func (o *Orchestrator) ExecuteImportAsync(ctx context.Context, forceSkipErrors bool) (<-chan error, error) {
	run, err := o.startExecute(ctx, forceSkipErrors)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- run()
		close(done)
	}()
	return done, nil
}

// startExecute moves to the execute step before the call so observers see
// the import in progress. A completed or failed import both land on the
// result step; only a transport failure leaves the wizard on execute with
// Error set.
func (o *Orchestrator) startExecute(ctx context.Context, forceSkipErrors bool) (func() error, error) {
	op := "execute_import"
	if forceSkipErrors {
		op = "execute_import_skip_errors"
	}

	opCtx, snap, finish, err := o.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	if snap.Session == nil {
		return nil, finish(ErrNoSession, nil)
	}

	o.mu.Lock()
	o.state.Step = StepExecute
	o.state.ImportResult = nil
	rev, entered := o.changed()
	o.mu.Unlock()
	o.notify(rev, entered)

	req := importsvc.ExecuteRequest{
		Mappings:   snap.ColumnMappings,
		Policy:     snap.ImportPolicy,
		SkipErrors: snap.SkipErrors || forceSkipErrors,
		BatchSize:  snap.BatchSize,
	}
	sessionID := snap.Session.ID

	o.log.Info("executing import",
		"session_id", sessionID,
		"model", snap.SelectedModel,
		"rows", snap.RowCount(),
		"batch_size", req.BatchSize,
		"skip_errors", req.SkipErrors,
		"policy", req.Policy,
	)

	return func() error {
		res, err := o.client.ExecuteImport(opCtx, sessionID, req)
		if err != nil {
			return finish(err, nil)
		}

		var resolved State
		err = finish(nil, func(s *State) {
			s.ImportResult = res
			s.Step = StepResult
			resolved = s.Clone()
		})
		resolved.IsLoading = false

		o.log.Info("import resolved",
			"session_id", sessionID,
			"status", res.Status,
			"created", res.Created,
			"updated", res.Updated,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
		if o.opts.OnExecuted != nil {
			o.opts.OnExecuted(resolved)
		}
		return err
	}, nil
}

// Reset returns the wizard to its initial state. The cached model metadata
// is dropped and the remote session is deleted on a best-effort basis.
func (o *Orchestrator) Reset(ctx context.Context) error {
	opCtx, snap, finish, err := o.begin(ctx, "reset")
	if err != nil {
		return err
	}

	if inv, ok := o.client.(modelInvalidator); ok && snap.SelectedModel != "" {
		if err := inv.InvalidateModel(opCtx, snap.SelectedModel); err != nil {
			o.log.Warn("failed to invalidate model metadata", "model", snap.SelectedModel, "error", err)
		}
	}
	if id := snap.SessionID(); id != "" {
		o.deleteRemote(opCtx, id)
	}
	batchSize := o.defaultBatchSize(opCtx)

	return finish(nil, func(s *State) {
		*s = InitialState(batchSize)
		o.metadata = nil
	})
}

// LoadServiceDefaults seeds BatchSize from the Import Service's declared
// default. Without one the configured default stays.
func (o *Orchestrator) LoadServiceDefaults(ctx context.Context) error {
	opCtx, _, finish, err := o.begin(ctx, "load_service_defaults")
	if err != nil {
		return err
	}
	batchSize := o.defaultBatchSize(opCtx)
	return finish(nil, func(s *State) {
		s.BatchSize = batchSize
	})
}

// defaultBatchSize prefers the service's batch_size.default over the
// configured one.
func (o *Orchestrator) defaultBatchSize(ctx context.Context) int {
	cfg, err := o.client.ImportConfig(ctx)
	if err != nil {
		o.log.Debug("import config unavailable, using configured batch size", "error", err)
		return o.opts.DefaultBatchSize
	}
	if cfg.BatchSize.Default > 0 {
		return cfg.BatchSize.Default
	}
	return o.opts.DefaultBatchSize
}

// DeleteSession deletes the remote session and clears everything bound to
// it. The selected model and settings survive.
func (o *Orchestrator) DeleteSession(ctx context.Context) error {
	opCtx, snap, finish, err := o.begin(ctx, "delete_session")
	if err != nil {
		return err
	}
	if snap.Session == nil {
		return finish(nil, nil)
	}

	if err := o.client.DeleteSession(opCtx, snap.Session.ID); err != nil && !importsvc.IsNotFound(err) {
		return finish(err, nil)
	}
	return finish(nil, func(s *State) {
		s.Session = nil
		s.ColumnMappings = []importsvc.ColumnMapping{}
		s.PreviewData = nil
		s.ImportResult = nil
		s.Step = StepUpload
	})
}

// Advice is the planner's view of the current session and batch size.
type Advice struct {
	Bounds importsvc.BatchBounds `json:"bounds"`
	BatchValidation
}

// BatchAdvice evaluates the current batch size against the service bounds.
// It only reads state, so it does not take the operation slot.
func (o *Orchestrator) BatchAdvice(ctx context.Context) (*Advice, error) {
	snap := o.Snapshot()
	if snap.Session == nil {
		return nil, ErrNoSession
	}

	bounds := o.opts.Bounds
	cfg, err := o.client.ImportConfig(ctx)
	if err != nil {
		o.log.Debug("import config unavailable, using local batch bounds", "error", err)
	} else if cfg.BatchSize.Max > 0 {
		bounds = cfg.BatchSize
	}

	return &Advice{
		Bounds:          bounds,
		BatchValidation: o.opts.Planner.ValidateBatchConfig(snap.BatchSize, snap.RowCount(), bounds),
	}, nil
}
