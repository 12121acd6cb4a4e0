package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deemkeen/fedengine/util"
)

func testConf(t *testing.T) *util.AppConfig {
	t.Helper()
	conf, err := util.DefaultConf()
	if err != nil {
		t.Fatalf("DefaultConf failed: %v", err)
	}
	conf.Conf.SslDomain = "local.example"
	conf.Conf.HttpPort = 0
	conf.Database.Path = filepath.Join(t.TempDir(), "app.db")
	return conf
}

func TestNewWiresServer(t *testing.T) {
	a, err := New(testConf(t), util.DiscardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	tests := []struct {
		path   string
		status int
	}{
		{"/healthz", http.StatusOK},
		{"/nodeinfo/2.1", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/users/nobody", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			a.Server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "https://local.example"+tt.path, nil))
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestMetricsExposeRuntimeCollectors(t *testing.T) {
	a, err := New(testConf(t), util.DiscardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	w := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "https://local.example/metrics", nil))
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Expected runtime metrics to be exposed")
	}
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	conf := testConf(t)
	conf.Redis.Addr = mr.Addr()

	a, err := New(conf, util.DiscardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()
	if a.redis == nil {
		t.Fatal("Expected a redis client")
	}
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	conf := testConf(t)
	conf.Redis.Addr = "127.0.0.1:1"

	if _, err := New(conf, util.DiscardLogger()); err == nil {
		t.Fatal("Expected an error for an unreachable redis")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(testConf(t), util.DiscardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected a clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	actor, err := a.Service.InstanceActor(context.Background())
	if err != nil || actor == nil {
		t.Errorf("Expected the instance actor to exist, got %v (%v)", actor, err)
	}
}

func TestRunCancelledDuringStartup(t *testing.T) {
	a, err := New(testConf(t), util.DiscardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected a clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return for a cancelled context")
	}
}
