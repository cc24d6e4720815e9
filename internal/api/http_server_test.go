package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/database"
	"taskflow/internal/events"
	"taskflow/internal/models"
	"taskflow/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv  *HTTPServer
	ts   *httptest.Server
	db   *database.DB
	bus  *events.EventBus
	user string

	mu  sync.Mutex
	now time.Time
}

func (s *testServer) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *testServer) advance(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	return s.now
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "items.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestServer(t *testing.T, cfg config.ServerConfig, limiter *repository.MemoryJournal) *testServer {
	t.Helper()
	db := newTestDB(t)
	bus := events.NewEventBus()
	deps := Deps{Items: db, Events: bus}
	if limiter != nil {
		deps.Limiter = limiter
	}

	srv := NewHTTPServer(cfg, deps)
	tsrv := &testServer{srv: srv, db: db, bus: bus, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), user: "u1"}
	srv.now = tsrv.clock

	tsrv.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(tsrv.ts.Close)
	return tsrv
}

func (s *testServer) sync(t *testing.T, req models.SyncRequest) (*http.Response, models.APIResponse[models.SyncResponseData]) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return s.post(t, body)
}

func (s *testServer) post(t *testing.T, body []byte) (*http.Response, models.APIResponse[models.SyncResponseData]) {
	t.Helper()
	httpReq, err := http.NewRequest(http.MethodPost, s.ts.URL+"/api/v1/sync", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set(models.HeaderUserID, s.user)
	httpReq.Header.Set(models.HeaderRequestID, "req-1")

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env models.APIResponse[models.SyncResponseData]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (s *testServer) userData(t *testing.T) models.UserData {
	t.Helper()
	httpReq, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/v1/user-data", nil)
	require.NoError(t, err)
	httpReq.Header.Set(models.HeaderUserID, s.user)

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env models.APIResponse[models.UserData]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.Success)
	require.NotNil(t, env.Data)
	return *env.Data
}

func TestSyncCreateUpdateDelete(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)

	var (
		mu   sync.Mutex
		seen []events.ItemEventPayload
	)
	s.bus.Subscribe(events.EventItemChanged, func(e *events.Event) error {
		var p events.ItemEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return nil
	})

	resp, env := s.sync(t, models.SyncRequest{Changes: []models.ChangeRecord{
		{EntityType: models.EntityTask, Operation: models.OpCreate, EntityID: "t1", Payload: models.Entity{"title": "Write", "status": "notStarted"}},
		{EntityType: models.EntityGoal, Operation: models.OpCreate, EntityID: "g1", Payload: models.Entity{"title": "Ship"}},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
	assert.Equal(t, "req-1", resp.Header.Get(models.HeaderRequestID))
	assert.Equal(t, "req-1", env.Metadata.RequestID)
	assert.True(t, env.Data.SyncedAt.Equal(s.clock()))
	require.Len(t, env.Data.ServerChanges, 2)
	assert.Equal(t, models.OpCreate, env.Data.ServerChanges[0].Operation)
	assert.Equal(t, "t1", env.Data.ServerChanges[0].Payload["id"])

	now := s.advance(time.Minute)
	_, env = s.sync(t, models.SyncRequest{
		Changes: []models.ChangeRecord{
			{EntityType: models.EntityTask, Operation: models.OpUpdate, EntityID: "t1", Payload: models.Entity{"status": "complete"}},
			{EntityType: models.EntityGoal, Operation: models.OpDelete, EntityID: "g1"},
		},
		ClientLastSync: now.Add(-time.Second),
	})
	require.True(t, env.Success)
	require.Len(t, env.Data.ServerChanges, 2)
	update := env.Data.ServerChanges[0]
	assert.Equal(t, models.OpUpdate, update.Operation)
	assert.Equal(t, "complete", update.Payload["status"])
	assert.Equal(t, "Write", update.Payload["title"])
	assert.Equal(t, models.OpDelete, env.Data.ServerChanges[1].Operation)
	assert.Nil(t, env.Data.ServerChanges[1].Payload)

	data := s.userData(t)
	assert.Len(t, data.Tasks, 1)
	assert.Empty(t, data.Goals)
	assert.Equal(t, "complete", data.Tasks["t1"].String("status"))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 4)
}

func TestSyncGeneratesIDForCreate(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)

	_, env := s.sync(t, models.SyncRequest{Changes: []models.ChangeRecord{
		{EntityType: models.EntityCategory, Operation: models.OpCreate, Payload: models.Entity{"name": "Home"}},
	}})
	require.True(t, env.Success)
	require.Len(t, env.Data.ServerChanges, 1)
	id := env.Data.ServerChanges[0].EntityID
	assert.NotEmpty(t, id)
	assert.Equal(t, id, env.Data.ServerChanges[0].Payload["id"])
}

func TestSyncIgnoresMissingAndDuplicate(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)

	_, env := s.sync(t, models.SyncRequest{Changes: []models.ChangeRecord{
		{EntityType: models.EntityTask, Operation: models.OpCreate, EntityID: "t1", Payload: models.Entity{"title": "A"}},
	}})
	require.True(t, env.Success)

	_, env = s.sync(t, models.SyncRequest{
		Changes: []models.ChangeRecord{
			{EntityType: models.EntityTask, Operation: models.OpCreate, EntityID: "t1", Payload: models.Entity{"title": "B"}},
			{EntityType: models.EntityTask, Operation: models.OpUpdate, EntityID: "nope", Payload: models.Entity{"title": "C"}},
			{EntityType: models.EntityTask, Operation: models.OpDelete, EntityID: "gone"},
		},
		ClientLastSync: s.clock(),
	})
	require.True(t, env.Success)
	assert.Empty(t, env.Data.ServerChanges)

	data := s.userData(t)
	assert.Equal(t, "A", data.Tasks["t1"].String("title"))
}

func TestSyncReportsOtherClientsChanges(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)
	ctx := context.Background()
	now := s.clock()

	_, _, err := s.db.CreateItem(ctx, models.StoredItem{
		ID: "t9", UserID: "u1", Type: models.EntityTask,
		Data: models.Entity{"id": "t9", "title": "From phone"}, UpdatedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	_, _, err = s.db.CreateItem(ctx, models.StoredItem{
		ID: "t8", UserID: "u1", Type: models.EntityTask,
		Data: models.Entity{"id": "t8"}, UpdatedAt: now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	_, err = s.db.DeleteItem(ctx, "u1", "t8", now.Add(-30*time.Second))
	require.NoError(t, err)
	_, _, err = s.db.CreateItem(ctx, models.StoredItem{
		ID: "x1", UserID: "someone-else", Type: models.EntityTask,
		Data: models.Entity{"id": "x1"}, UpdatedAt: now,
	})
	require.NoError(t, err)

	_, env := s.sync(t, models.SyncRequest{ClientLastSync: now.Add(-time.Hour)})
	require.True(t, env.Success)
	require.Len(t, env.Data.ServerChanges, 2)
	assert.Equal(t, "t9", env.Data.ServerChanges[0].EntityID)
	assert.Equal(t, models.OpUpdate, env.Data.ServerChanges[0].Operation)
	assert.Equal(t, "From phone", env.Data.ServerChanges[0].Payload["title"])
	assert.Equal(t, "t8", env.Data.ServerChanges[1].EntityID)
	assert.Equal(t, models.OpDelete, env.Data.ServerChanges[1].Operation)
}

func TestSyncValidation(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)

	tests := []struct {
		name   string
		change models.ChangeRecord
	}{
		{name: "unknown type", change: models.ChangeRecord{EntityType: "note", Operation: models.OpCreate, Payload: models.Entity{"a": 1}}},
		{name: "unknown operation", change: models.ChangeRecord{EntityType: models.EntityTask, Operation: "upsert", EntityID: "t1"}},
		{name: "create without data", change: models.ChangeRecord{EntityType: models.EntityTask, Operation: models.OpCreate, EntityID: "t1"}},
		{name: "update without id", change: models.ChangeRecord{EntityType: models.EntityTask, Operation: models.OpUpdate, Payload: models.Entity{"a": 1}}},
		{name: "delete without id", change: models.ChangeRecord{EntityType: models.EntityTask, Operation: models.OpDelete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := s.sync(t, models.SyncRequest{Changes: []models.ChangeRecord{tt.change}})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, models.CodeValidation, env.Error.Code)
			assert.False(t, env.Error.Code.Retryable())
		})
	}

	items, err := s.db.ListItems(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSyncInvalidJSON(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)

	resp, env := s.post(t, []byte(`{"changes": [`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, models.CodeInvalidRequest, env.Error.Code)
	assert.NotEmpty(t, env.Metadata.RequestID)
}

func TestUserDataDefaultsUserAndDashboard(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{DefaultUserID: "fallback"}, nil)
	s.user = ""

	_, env := s.sync(t, models.SyncRequest{Changes: []models.ChangeRecord{
		{EntityType: models.EntityDashboard, Operation: models.OpCreate, EntityID: "dashboard", Payload: models.Entity{"layout": "grid"}},
	}})
	require.True(t, env.Success)

	items, err := s.db.ListItems(context.Background(), "fallback")
	require.NoError(t, err)
	require.Len(t, items, 1)

	data := s.userData(t)
	assert.Equal(t, "grid", data.Dashboard.String("layout"))
	assert.True(t, data.LastSyncedAt.Equal(s.clock()))
}

func TestRateLimitPerUser(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{RateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 2}}, nil)

	for i := 0; i < 2; i++ {
		resp, env := s.sync(t, models.SyncRequest{})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, env.Success)
	}
	resp, env := s.sync(t, models.SyncRequest{})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, models.CodeRateLimited, env.Error.Code)

	s.user = "u2"
	resp, _ = s.sync(t, models.SyncRequest{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitShared(t *testing.T) {
	limiter := repository.NewMemoryJournal()
	s := newTestServer(t, config.ServerConfig{RateLimit: config.RateLimitConfig{
		Shared: true, Limit: 1, Window: time.Hour,
	}}, limiter)

	resp, _ := s.sync(t, models.SyncRequest{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.sync(t, models.SyncRequest{})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, nil)

	resp, err := http.Get(s.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		method string
		path   string
		status int
		code   models.ErrorCode
	}{
		{http.MethodGet, "/api/v1/sync", http.StatusMethodNotAllowed, models.CodeInvalidRequest},
		{http.MethodPost, "/api/v1/user-data", http.StatusMethodNotAllowed, models.CodeInvalidRequest},
		{http.MethodGet, "/api/v2/sync", http.StatusNotFound, models.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, s.ts.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			var env models.APIResponse[struct{}]
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestRequestLogCoversUnroutedRequests(t *testing.T) {
	var buf safeBuffer
	logger := zerolog.New(&buf)
	srv := NewHTTPServer(config.ServerConfig{}, Deps{Items: newTestDB(t), Logger: &logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for _, path := range []string{"/api/v1/sync", "/nope", "/api/v1/user-data"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	type entry struct {
		Path   string `json:"path"`
		Route  string `json:"route"`
		Status int    `json:"status"`
	}
	var got []entry
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	for dec.More() {
		var e entry
		require.NoError(t, dec.Decode(&e))
		got = append(got, e)
	}
	assert.Equal(t, []entry{
		{Path: "/api/v1/sync", Route: unmatchedRoute, Status: http.StatusMethodNotAllowed},
		{Path: "/nope", Route: unmatchedRoute, Status: http.StatusNotFound},
		{Path: "/api/v1/user-data", Route: "/api/v1/user-data", Status: http.StatusOK},
	}, got)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
