package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/config"
	"github.com/BaSui01/chimera/scheduler"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// apiClient 带令牌访问测试 API
type apiClient struct {
	t     *testing.T
	base  string
	token string
}

func (c apiClient) do(method, path, body string) (*http.Response, envelope) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(body))
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func operatorToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{
		"sub": "operator-1",
		"iss": "chimera",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

func TestServer_EndToEnd(t *testing.T) {
	var calls atomic.Int32
	writer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer worker-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"payload":{"text":"launch day"},"confidence":0.97,"flags":[]}`))
	}))
	defer writer.Close()

	cfg := config.DefaultConfig()
	cfg.Server.MetricsPort = 0
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.JWT.Secret = testSecret
	cfg.Capabilities.Endpoints = map[string]string{"writer": writer.URL}
	cfg.Capabilities.AuthToken = "worker-token"
	require.NoError(t, cfg.Validate())

	srv := NewServer(cfg, zap.NewNop())
	defer func() { assert.NoError(t, srv.Close(context.Background())) }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Build(ctx))

	go func() { _ = srv.scheduler.Run(ctx) }()
	api := httptest.NewServer(srv.handler(ctx, srv.mux))
	defer api.Close()

	do := apiClient{t: t, base: api.URL, token: operatorToken(t)}.do

	// 健康检查无需令牌
	resp, err := api.Client().Get(api.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 未带令牌的 API 请求被拒绝
	resp, err = api.Client().Get(api.URL + "/api/v1/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, env := do(http.MethodPost, "/api/v1/tasks",
		`{"kind":"content_creation","priority":"high","goal":"draft a launch post","capability":"writer","platform":"twitter"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	require.NotEmpty(t, submitted.TaskID)

	var view scheduler.TaskView
	require.Eventually(t, func() bool {
		_, env := do(http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, "")
		if err := json.Unmarshal(env.Data, &view); err != nil {
			return false
		}
		return view.State == scheduler.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "launch day", view.Result["text"])

	resp, _ = do(http.MethodGet, "/api/v1/breakers/writer", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = do(http.MethodGet, "/api/v1/escalations", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(env.Data))
}

// 数据库 + Redis 存储：重启后待审核任务恢复，人工通过后完成
func TestServer_RecoversPersistedReview(t *testing.T) {
	writer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"payload":{"text":"maybe"},"confidence":0.8,"flags":[]}`))
	}))
	defer writer.Close()
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Server.MetricsPort = 0
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.JWT.Secret = testSecret
	cfg.Capabilities.Endpoints = map[string]string{"writer": writer.URL}
	cfg.Storage.Backend = "database"
	cfg.Storage.Ledger = "redis"
	cfg.Storage.Breakers = "redis"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "chimera.db")
	cfg.Database.MaxOpenConns = 1
	cfg.Database.MaxIdleConns = 1
	cfg.Redis.Addr = mr.Addr()
	require.NoError(t, cfg.Validate())

	// 第一次启动：任务进入人工审核
	first := NewServer(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, first.Build(ctx))
	go func() { _ = first.scheduler.Run(ctx) }()

	api := httptest.NewServer(first.handler(ctx, first.mux))
	c := apiClient{t: t, base: api.URL, token: operatorToken(t)}

	resp, err := http.Get(api.URL + "/ready")
	require.NoError(t, err)
	var ready struct {
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pass", ready.Checks["database"].Status)
	assert.Equal(t, "pass", ready.Checks["redis"].Status)

	resp, env := c.do(http.MethodPost, "/api/v1/tasks",
		`{"kind":"content_creation","priority":"medium","goal":"draft a teaser","capability":"writer","platform":"twitter"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &submitted))

	store := scheduler.NewGormStore(first.db)
	require.Eventually(t, func() bool {
		task, err := store.Load(context.Background(), submitted.TaskID)
		return err == nil && task.State == scheduler.StateHumanReview && task.EscalationID != ""
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	api.Close()
	require.NoError(t, first.Close(context.Background()))

	// 第二次启动：从数据库恢复
	second := NewServer(cfg, zap.NewNop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer func() { assert.NoError(t, second.Close(context.Background())) }()
	defer cancel2()
	require.NoError(t, second.Build(ctx2))
	go func() { _ = second.scheduler.Run(ctx2) }()

	api2 := httptest.NewServer(second.handler(ctx2, second.mux))
	defer api2.Close()
	c.base = api2.URL

	var view scheduler.TaskView
	_, env = c.do(http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, "")
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, scheduler.StateHumanReview, view.State)

	_, env = c.do(http.MethodGet, "/api/v1/escalations", "")
	var items []struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, submitted.TaskID, items[0].TaskID)

	resp, _ = c.do(http.MethodPost, "/api/v1/escalations/"+items[0].ID+"/resolve", `{"outcome":"approve"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, env := c.do(http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, "")
		return json.Unmarshal(env.Data, &view) == nil && view.State == scheduler.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
