package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	return cfg
}

// start 在后台运行 Manager，等待开始监听
func start(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case <-m.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start listening")
	}
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNewManager(t *testing.T) {
	m := NewManager(http.NewServeMux(), Config{Addr: ":9999"}, nil)
	assert.Equal(t, ":9999", m.Addr())
	assert.Equal(t, "http", m.config.Name)
}

func TestManager_RunServesUntilCancel(t *testing.T) {
	m := NewManager(okHandler(), testConfig(), zap.NewNop())
	cancel, done := start(t, m)

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	cancel()
	assert.NoError(t, wait(t, done))

	_, err = net.DialTimeout("tcp", m.Addr(), 200*time.Millisecond)
	assert.Error(t, err, "listener closed after drain")
}

func TestManager_RunOnce(t *testing.T) {
	m := NewManager(okHandler(), testConfig(), zap.NewNop())
	cancel, done := start(t, m)
	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRun)
	cancel()
	assert.NoError(t, wait(t, done))
}

func TestManager_RunListenFailure(t *testing.T) {
	first := NewManager(okHandler(), testConfig(), zap.NewNop())
	cancel, done := start(t, first)
	defer func() {
		cancel()
		_ = wait(t, done)
	}()

	cfg := testConfig()
	cfg.Name = "metrics"
	cfg.Addr = first.Addr()
	second := NewManager(okHandler(), cfg, zap.NewNop())
	err := second.Run(context.Background())
	assert.ErrorContains(t, err, "metrics server: failed to listen")
}

func TestManager_DrainWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte("done"))
	})

	m := NewManager(slow, testConfig(), zap.NewNop())
	cancel, done := start(t, m)

	respCh := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + m.Addr() + "/")
		if err != nil {
			respCh <- 0
			return
		}
		resp.Body.Close()
		respCh <- resp.StatusCode
	}()

	<-entered
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, http.StatusOK, <-respCh)
	assert.NoError(t, wait(t, done))
}

func TestManager_DrainTimeout(t *testing.T) {
	entered := make(chan struct{})
	stuck := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})

	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	m := NewManager(stuck, cfg, zap.NewNop())
	cancel, done := start(t, m)

	go func() {
		resp, err := http.Get("http://" + m.Addr() + "/")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered
	cancel()
	assert.ErrorContains(t, wait(t, done), "http server shutdown")
}
