package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

func createTestBootstrapConfig(t *testing.T) BootstrapConfig {
	t.Helper()
	return BootstrapConfig{
		Config:            testConfig(t),
		Logger:            logger.Nop(),
		Version:           "test-1.0.0",
		EnableHealthCheck: true,
	}
}

func TestBootstrap(t *testing.T) {
	result, err := Bootstrap(context.Background(), createTestBootstrapConfig(t))
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer result.Orchestrator.Close()

	if !result.IsSuccessful() {
		t.Error("expected bootstrap to be successful")
	}
	if result.Version != "test-1.0.0" {
		t.Errorf("expected version test-1.0.0, got %s", result.Version)
	}
	if !IsReady(context.Background(), result.Orchestrator) {
		t.Error("expected orchestrator to be ready")
	}
	if result.Duration() <= 0 {
		t.Error("expected positive duration")
	}
}

func TestBootstrapInvalidConfig(t *testing.T) {
	cfg := createTestBootstrapConfig(t)
	cfg.Config.Event.QueueSize = 0

	result, err := Bootstrap(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected Bootstrap to fail")
	}
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
	if result.IsSuccessful() {
		t.Error("failed bootstrap must not report success")
	}
}

func TestBootstrapResultString(t *testing.T) {
	tests := []struct {
		name     string
		result   *BootstrapResult
		contains string
	}{
		{
			name: "successful bootstrap",
			result: &BootstrapResult{
				StartedAt:    time.Now(),
				Version:      "1.0.0",
				Orchestrator: &Orchestrator{},
			},
			contains: "orchestrator: true",
		},
		{
			name: "failed bootstrap",
			result: &BootstrapResult{
				StartedAt: time.Now(),
				Version:   "1.0.0",
				Error:     errors.New("boom"),
			},
			contains: "error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s := tt.result.String(); !strings.Contains(s, tt.contains) {
				t.Errorf("expected %q to contain %q", s, tt.contains)
			}
		})
	}
}

func TestIsReady(t *testing.T) {
	if IsReady(context.Background(), nil) {
		t.Error("nil orchestrator is never ready")
	}

	orch := createTestOrchestrator(t)
	defer orch.Close()
	if IsReady(context.Background(), orch) {
		t.Error("uninitialized orchestrator is not ready")
	}
}

func TestWaitForReady(t *testing.T) {
	if err := WaitForReady(context.Background(), nil, time.Second, 0); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT for nil, got %v", err)
	}

	orch := createTestOrchestrator(t)
	defer orch.Close()

	err := WaitForReady(context.Background(), orch, 50*time.Millisecond, 10*time.Millisecond)
	if !types.IsErrCode(err, types.ErrCodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = orch.Initialize(context.Background())
	}()
	if err := WaitForReady(context.Background(), orch, 2*time.Second, 5*time.Millisecond); err != nil {
		t.Errorf("expected orchestrator to become ready: %v", err)
	}
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	if info["version"] != Version {
		t.Errorf("expected version %s, got %v", Version, info["version"])
	}
	for _, key := range []string{"build_time", "git_commit"} {
		if _, ok := info[key]; !ok {
			t.Errorf("missing %s", key)
		}
	}
}
