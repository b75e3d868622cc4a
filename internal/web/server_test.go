package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importwizard/internal/config"
	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// stubClient answers every Import Service call with canned data.
type stubClient struct {
	mu         sync.Mutex
	previewErr error
	deleted    []string
	preview    importsvc.PreviewResult

	// validateDelay holds full-file validation until it passes or the
	// request context ends.
	validateDelay time.Duration
}

func newStubClient() *stubClient {
	return &stubClient{
		preview: importsvc.PreviewResult{
			Summary:   importsvc.ValidationSummary{TotalRows: 2, ValidRows: 2},
			BatchInfo: &importsvc.BatchInfo{TotalBatches: 3, BatchSize: 1000, TotalRows: 2500},
		},
	}
}

func (c *stubClient) AvailableModels(context.Context) ([]string, error) {
	return []string{"account", "contact"}, nil
}

func (c *stubClient) ModelMetadata(_ context.Context, model string) (*importsvc.ModelMetadata, error) {
	if model == "missing" {
		return nil, &importsvc.APIError{Op: "get model metadata", StatusCode: 404, Message: "unknown model"}
	}
	return &importsvc.ModelMetadata{
		Name: model,
		Fields: []importsvc.FieldInfo{
			{Name: "code", Required: true},
			{Name: "name", Required: true},
		},
	}, nil
}

func (c *stubClient) ImportConfig(context.Context) (*importsvc.ImportConfig, error) {
	return &importsvc.ImportConfig{
		BatchSize:        importsvc.BatchBounds{Default: 1000, Min: 100, Max: 5000},
		SupportedFormats: []string{"csv", "xlsx"},
		MaxFileSizeMB:    10,
	}, nil
}

func (c *stubClient) CreateSession(_ context.Context, model string, file importsvc.Upload) (*importsvc.ImportSession, error) {
	return &importsvc.ImportSession{
		ID:        "sess-web",
		ModelName: model,
		FileName:  file.Name,
		Columns:   []importsvc.DetectedColumn{{Name: "Code"}, {Name: "Name"}},
		RowCount:  2500,
	}, nil
}

func (c *stubClient) MappingSuggestions(context.Context, string) ([]importsvc.MappingSuggestion, error) {
	return []importsvc.MappingSuggestion{
		{ColumnName: "Code", SuggestedField: "code", Confidence: 0.9},
		{ColumnName: "Name", SuggestedField: "name", Confidence: 0.4},
	}, nil
}

func (c *stubClient) GeneratePreview(_ context.Context, _ string, req importsvc.PreviewRequest) (*importsvc.PreviewResult, error) {
	if c.previewErr != nil {
		return nil, c.previewErr
	}
	p := c.preview
	if req.BatchNumber != nil {
		bi := *p.BatchInfo
		bi.CurrentBatch = *req.BatchNumber
		p.BatchInfo = &bi
	}
	return &p, nil
}

func (c *stubClient) ValidateFullFile(ctx context.Context, _ string, _ importsvc.PreviewRequest) (*importsvc.PreviewResult, error) {
	if c.validateDelay > 0 {
		select {
		case <-time.After(c.validateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := c.preview
	p.BatchInfo = nil
	return &p, nil
}

func (c *stubClient) ExecuteImport(_ context.Context, _ string, req importsvc.ExecuteRequest) (*importsvc.ExecutionResult, error) {
	return &importsvc.ExecutionResult{Status: importsvc.ExecutionCompleted, TotalRows: 2500, Created: 2500, SkipErrors: req.SkipErrors}, nil
}

func (c *stubClient) DeleteSession(_ context.Context, id string) error {
	c.mu.Lock()
	c.deleted = append(c.deleted, id)
	c.mu.Unlock()
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
		Wizard: config.WizardConfig{MaxFileSize: 1 << 20},
		Rate:   config.RateLimitConfig{Enabled: false},
	}
}

func newTestServer(t *testing.T, client importsvc.SessionClient, cfg *config.Config) (*Server, *wizard.Manager) {
	t.Helper()
	mgr := newTestManager(client)
	srv := NewServer(Deps{
		Client:  client,
		Manager: mgr,
		Planner: wizard.DefaultPlanner(),
		Bounds:  importsvc.BatchBounds{Default: 1000, Min: 100, Max: 10000},
	}, cfg)
	return srv, mgr
}

// newTestManager builds a Manager without persistence.
func newTestManager(client importsvc.SessionClient) *wizard.Manager {
	return wizard.NewManager(client, nil, wizard.NewExecutionLimiter(2, time.Second), wizard.ManagerConfig{})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, path, name, content, model string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if model != "" {
		require.NoError(t, mw.WriteField("model", model))
	}
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type wizardBody struct {
	ID                     string                            `json:"id"`
	State                  wizard.State                      `json:"state"`
	Steps                  map[wizard.Step]wizard.StepStatus `json:"steps"`
	UnmappedRequiredFields []string                          `json:"unmapped_required_fields"`
	Preview                *importsvc.PreviewResult          `json:"preview"`
	Result                 *importsvc.ExecutionResult        `json:"result"`
	Changed                int                               `json:"changed"`
}

func decodeWizard(t *testing.T, rec *httptest.ResponseRecorder) wizardBody {
	t.Helper()
	var body wizardBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestWizardFlow(t *testing.T) {
	client := newStubClient()
	srv, _ := newTestServer(t, client, testConfig())
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/wizards", map[string]string{"model": "account"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeWizard(t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "account", created.State.SelectedModel)
	assert.True(t, created.Steps[wizard.StepUpload].Valid)
	base := "/api/wizards/" + created.ID

	// Upload
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, base+"/upload", "accounts.csv", "Code,Name\n1,Cash\n", ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	up := decodeWizard(t, rec)
	assert.Equal(t, wizard.StepMapping, up.State.Step)
	assert.Len(t, up.State.ColumnMappings, 2)
	assert.ElementsMatch(t, []string{"code", "name"}, up.UnmappedRequiredFields)

	// Apply suggestions above the default threshold
	rec = doJSON(t, h, http.MethodPost, base+"/suggestions/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decodeWizard(t, rec)
	assert.Equal(t, 1, applied.Changed)
	assert.Equal(t, []string{"name"}, applied.UnmappedRequiredFields)

	// Map the rest by hand
	rec = doJSON(t, h, http.MethodPut, base+"/mappings", map[string]any{
		"mappings": []map[string]string{
			{"column_name": "Code", "field_name": "code"},
			{"column_name": "Name", "field_name": "name"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decodeWizard(t, rec).UnmappedRequiredFields)

	// Settings
	rec = doJSON(t, h, http.MethodPatch, base+"/settings", map[string]any{"import_policy": "UPSERT", "batch_size": 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, importsvc.PolicyUpsert, decodeWizard(t, rec).State.ImportPolicy)

	// Preview
	rec = doJSON(t, h, http.MethodPost, base+"/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pv := decodeWizard(t, rec)
	assert.Equal(t, wizard.StepPreview, pv.State.Step)
	require.NotNil(t, pv.Preview)
	assert.True(t, pv.Steps[wizard.StepExecute].Valid)

	rec = doJSON(t, h, http.MethodPost, base+"/preview/batches/2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeWizard(t, rec).Preview.BatchInfo.CurrentBatch)

	rec = doJSON(t, h, http.MethodPost, base+"/preview/batches/3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "WIZ007", decodeError(t, rec).Code)

	// Batch plan for the session
	rec = doJSON(t, h, http.MethodGet, base+"/batch-plan", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var advice wizard.Advice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &advice))
	assert.Equal(t, 5000, advice.Bounds.Max)
	assert.Equal(t, 3, advice.Estimate.EstimatedBatches)

	// Execute in the background
	rec = doJSON(t, h, http.MethodPost, base+"/execute?skip_errors=true", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, base, nil)
		return decodeWizard(t, rec).State.Step == wizard.StepResult
	}, time.Second, 10*time.Millisecond)

	final := decodeWizard(t, doJSON(t, h, http.MethodGet, base, nil))
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.SkipErrors)
	assert.False(t, final.State.SkipErrors)

	// Reset and delete
	rec = doJSON(t, h, http.MethodPost, base+"/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wizard.StepUpload, decodeWizard(t, rec).State.Step)
	client.mu.Lock()
	assert.Contains(t, client.deleted, "sess-web")
	client.mu.Unlock()

	rec = doJSON(t, h, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "WIZ008", decodeError(t, rec).Code)
}

func TestCreateWizard_UnknownModelIsDiscarded(t *testing.T) {
	srv, mgr := newTestServer(t, newStubClient(), testConfig())

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/wizards", map[string]string{"model": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, mgr.Len())
}

func TestUpload_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Wizard.MaxFileSize = 64
	srv, mgr := newTestServer(t, newStubClient(), cfg)
	h := srv.Router()
	o := mgr.Create(context.Background())
	path := "/api/wizards/" + o.ID() + "/upload"

	tests := []struct {
		name     string
		file     string
		content  string
		model    string
		wantCode int
		wantErr  string
	}{
		{"no model", "a.csv", "Code\n1\n", "", http.StatusConflict, "WIZ001"},
		{"unsupported format", "a.txt", "Code\n1\n", "account", http.StatusUnsupportedMediaType, "FILE002"},
		{"too large", "a.csv", "Code\n" + strings.Repeat("1\n", 100), "account", http.StatusRequestEntityTooLarge, "FILE001"},
		{"empty", "a.csv", "", "account", http.StatusBadRequest, "FILE003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, path, tt.file, tt.content, tt.model))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestUpload_MissingFile(t *testing.T) {
	srv, mgr := newTestServer(t, newStubClient(), testConfig())
	o := mgr.Create(context.Background())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "account"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/wizards/"+o.ID()+"/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE005", decodeError(t, rec).Code)
}

func TestRequestValidation(t *testing.T) {
	srv, mgr := newTestServer(t, newStubClient(), testConfig())
	h := srv.Router()
	base := "/api/wizards/" + mgr.Create(context.Background()).ID()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   string
	}{
		{"model required", http.MethodPost, base + "/model", map[string]string{}, "REQ001"},
		{"unknown field", http.MethodPost, base + "/model", map[string]string{"modle": "x"}, "REQ001"},
		{"mapping needs column", http.MethodPut, base + "/mappings", map[string]any{"mappings": []map[string]string{{"field_name": "x"}}}, "REQ001"},
		{"negative batch size", http.MethodPatch, base + "/settings", map[string]any{"batch_size": -5}, "REQ001"},
		{"bad policy", http.MethodPatch, base + "/settings", map[string]any{"import_policy": "merge"}, "WIZ005"},
		{"threshold too high", http.MethodPost, base + "/suggestions/apply", map[string]any{"threshold": 1.5}, "REQ001"},
		{"bad step", http.MethodPost, base + "/step", map[string]string{"step": "done"}, "REQ001"},
		{"bad batch number", http.MethodPost, base + "/preview/batches/x", nil, "REQ001"},
		{"bad skip flag", http.MethodPost, base + "/execute?skip_errors=maybe", nil, "REQ001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestPreconditionErrors(t *testing.T) {
	srv, mgr := newTestServer(t, newStubClient(), testConfig())
	h := srv.Router()
	base := "/api/wizards/" + mgr.Create(context.Background()).ID()

	rec := doJSON(t, h, http.MethodPost, base+"/preview", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "WIZ002", decodeError(t, rec).Code)

	rec = doJSON(t, h, http.MethodPost, base+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, base+"/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"suggestions":[]}`, rec.Body.String())
}

func TestServiceErrorDetails(t *testing.T) {
	client := newStubClient()
	client.previewErr = &importsvc.APIError{Op: "generate preview", StatusCode: 422, Message: "field 'kode' is unknown"}
	srv, mgr := newTestServer(t, client, testConfig())
	ctx := context.Background()

	o := mgr.Create(context.Background())
	require.NoError(t, o.SelectModel(ctx, "account"))
	require.NoError(t, o.UploadFile(ctx, importsvc.Upload{Name: "a.csv", Data: []byte("Code,Name\n1,x\n")}))

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/wizards/"+o.ID()+"/preview", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "SVC006", body.Code)
	assert.Equal(t, []string{"field 'kode' is unknown"}, body.Details)
	assert.Contains(t, o.Snapshot().Error, "field 'kode' is unknown")
}

func TestCatalogRoutes(t *testing.T) {
	srv, _ := newTestServer(t, newStubClient(), testConfig())
	h := srv.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":["account","contact"]}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/models/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/import-config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/batch-plan", map[string]int{"total_rows": 12000, "batch_size": 2000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var advice wizard.Advice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &advice))
	assert.True(t, advice.IsValid)
	assert.Equal(t, 6, advice.Estimate.EstimatedBatches)
	assert.Equal(t, 5000, advice.Estimate.RecommendedBatchSize)

	rec = doJSON(t, h, http.MethodGet, "/api/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"executions":[]}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return io.ErrUnexpectedEOF }

func TestHealth_AllChecksFailing(t *testing.T) {
	client := newStubClient()
	srv := NewServer(Deps{
		Client:  client,
		Manager: newTestManager(client),
		Planner: wizard.DefaultPlanner(),
		Checks:  map[string]Pinger{"database": failingPinger{}},
	}, testConfig())

	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unexpected EOF")
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	srv, _ := newTestServer(t, newStubClient(), cfg)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/models", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays public.
	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidate_OutlivesRequestTimeout(t *testing.T) {
	client := newStubClient()
	client.validateDelay = 100 * time.Millisecond

	cfg := testConfig()
	cfg.Server.RequestTimeout = 20 * time.Millisecond
	cfg.ImportService.ExecuteTimeout = 5 * time.Second
	srv, mgr := newTestServer(t, client, cfg)
	h := srv.Router()

	o := mgr.Create(context.Background())
	require.NoError(t, o.SelectModel(context.Background(), "account"))
	require.NoError(t, o.UploadFile(context.Background(), importsvc.Upload{Name: "a.csv", Data: []byte("Code,Name\n1,Cash\n")}))

	rec := doJSON(t, h, http.MethodPost, "/api/wizards/"+o.ID()+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, wizard.StepPreview, o.Snapshot().Step)
}

func TestValidate_BoundedByExecuteTimeout(t *testing.T) {
	client := newStubClient()
	client.validateDelay = time.Second

	cfg := testConfig()
	cfg.ImportService.ExecuteTimeout = 20 * time.Millisecond
	srv, mgr := newTestServer(t, client, cfg)
	h := srv.Router()

	o := mgr.Create(context.Background())
	require.NoError(t, o.SelectModel(context.Background(), "account"))
	require.NoError(t, o.UploadFile(context.Background(), importsvc.Upload{Name: "a.csv", Data: []byte("Code,Name\n1,Cash\n")}))

	rec := doJSON(t, h, http.MethodPost, "/api/wizards/"+o.ID()+"/validate", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	assert.Equal(t, wizard.StepMapping, o.Snapshot().Step)
}
