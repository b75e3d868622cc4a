package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

var errTransport = errors.New("dial tcp 10.0.0.1:443: connection refused")

// fakeClient is an in-memory SessionClient. Errors injected through the
// *Err fields are returned instead of the canned responses. When gate is
// non-nil, preview and execute calls block until it is closed or the
// context ends.
type fakeClient struct {
	mu sync.Mutex

	metadata    *importsvc.ModelMetadata
	session     *importsvc.ImportSession
	suggestions []importsvc.MappingSuggestion
	preview     *importsvc.PreviewResult
	execution   *importsvc.ExecutionResult
	config      *importsvc.ImportConfig

	metadataErr error
	sessionErr  error
	previewErr  error
	executeErr  error
	deleteErr   error
	configErr   error

	gate    chan struct{}
	started chan string

	calls       map[string]int
	previewReqs []importsvc.PreviewRequest
	executeReqs []importsvc.ExecuteRequest
	deleted     []string
	invalidated []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		metadata: &importsvc.ModelMetadata{
			Name:  "account",
			Label: "Account",
			Fields: []importsvc.FieldInfo{
				{Name: "code", Label: "Code", Required: true, Unique: true},
				{Name: "name", Label: "Name", Required: true},
				{Name: "type", Label: "Type"},
			},
		},
		session: &importsvc.ImportSession{
			ID:        "sess-1",
			ModelName: "account",
			FileName:  "accounts.csv",
			Columns: []importsvc.DetectedColumn{
				{Name: "Account Code", SampleValues: []string{"1000"}},
				{Name: "Account Name", SampleValues: []string{"Cash"}},
				{Name: "Notes"},
			},
			RowCount:  12000,
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		suggestions: []importsvc.MappingSuggestion{
			{ColumnName: "Account Code", SuggestedField: "code", Confidence: 0.95},
			{ColumnName: "Account Name", SuggestedField: "name", Confidence: 0.8},
			{ColumnName: "Notes", SuggestedField: "type", Confidence: 0.2},
		},
		preview: &importsvc.PreviewResult{
			Summary: importsvc.ValidationSummary{TotalRows: 100, ValidRows: 100},
			BatchInfo: &importsvc.BatchInfo{
				CurrentBatch: 0, TotalBatches: 12, BatchSize: 1000, TotalRows: 12000, CurrentBatchRows: 1000,
			},
		},
		execution: &importsvc.ExecutionResult{
			Status: importsvc.ExecutionCompleted, TotalRows: 12000, Created: 12000,
		},
		config: &importsvc.ImportConfig{
			BatchSize:        importsvc.BatchBounds{Default: 1000, Min: 100, Max: 10000},
			SupportedFormats: []string{"csv", "xlsx", "json"},
			MaxFileSizeMB:    50,
		},
		calls: make(map[string]int),
	}
}

func (f *fakeClient) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeClient) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeClient) networkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeClient) wait(ctx context.Context, op string) error {
	if f.started != nil {
		f.started <- op
	}
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeClient) AvailableModels(context.Context) ([]string, error) {
	f.record("models")
	return []string{"account", "contact"}, nil
}

func (f *fakeClient) ModelMetadata(_ context.Context, model string) (*importsvc.ModelMetadata, error) {
	f.record("metadata")
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	m := *f.metadata
	m.Name = model
	return &m, nil
}

func (f *fakeClient) ImportConfig(context.Context) (*importsvc.ImportConfig, error) {
	f.record("config")
	if f.configErr != nil {
		return nil, f.configErr
	}
	c := *f.config
	return &c, nil
}

func (f *fakeClient) CreateSession(_ context.Context, model string, file importsvc.Upload) (*importsvc.ImportSession, error) {
	f.record("create_session")
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	s := *f.session
	s.ModelName = model
	s.FileName = file.Name
	return &s, nil
}

func (f *fakeClient) MappingSuggestions(ctx context.Context, _ string) ([]importsvc.MappingSuggestion, error) {
	f.record("suggestions")
	return f.suggestions, nil
}

func (f *fakeClient) GeneratePreview(ctx context.Context, _ string, req importsvc.PreviewRequest) (*importsvc.PreviewResult, error) {
	f.record("preview")
	f.mu.Lock()
	f.previewReqs = append(f.previewReqs, req)
	f.mu.Unlock()
	if err := f.wait(ctx, "preview"); err != nil {
		return nil, err
	}
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	p := *f.preview
	if req.BatchNumber != nil && p.BatchInfo != nil {
		bi := *p.BatchInfo
		bi.CurrentBatch = *req.BatchNumber
		p.BatchInfo = &bi
	}
	return &p, nil
}

func (f *fakeClient) ValidateFullFile(ctx context.Context, _ string, req importsvc.PreviewRequest) (*importsvc.PreviewResult, error) {
	f.record("validate")
	f.mu.Lock()
	f.previewReqs = append(f.previewReqs, req)
	f.mu.Unlock()
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	p := *f.preview
	p.BatchInfo = nil
	p.Summary.TotalRows = f.session.RowCount
	return &p, nil
}

func (f *fakeClient) ExecuteImport(ctx context.Context, _ string, req importsvc.ExecuteRequest) (*importsvc.ExecutionResult, error) {
	f.record("execute")
	f.mu.Lock()
	f.executeReqs = append(f.executeReqs, req)
	f.mu.Unlock()
	if err := f.wait(ctx, "execute"); err != nil {
		return nil, err
	}
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	r := *f.execution
	r.SkipErrors = req.SkipErrors
	return &r, nil
}

func (f *fakeClient) DeleteSession(_ context.Context, id string) error {
	f.record("delete")
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeClient) InvalidateModel(_ context.Context, model string) error {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, model)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) lastPreviewReq() importsvc.PreviewRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previewReqs[len(f.previewReqs)-1]
}

func (f *fakeClient) lastExecuteReq() importsvc.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeReqs[len(f.executeReqs)-1]
}

var csvUpload = importsvc.Upload{
	Name: "accounts.csv",
	Data: []byte("Account Code,Account Name,Notes\n1000,Cash,\n"),
}
