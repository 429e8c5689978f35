package cluster

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zoneworld/internal/config"
)

func newLocalManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := New(config.ClusterConfig{Mode: "process"}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr
}

func waitForStatus(t *testing.T, mgr *Manager, want string) ProcessInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		infos := mgr.Processes()
		if len(infos) > 0 && infos[0].Status == want {
			return infos[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process never reached status %q: %+v", want, mgr.Processes())
	return ProcessInfo{}
}

func TestStartPassesEnvironmentToZoneProcess(t *testing.T) {
	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "env.txt")

	t.Setenv("PARENT_FLAG", "inherited")

	mgr := newLocalManager(t)
	if got := mgr.Mode(); got != "process" {
		t.Fatalf("Mode() = %q, want %q", got, "process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name, err := mgr.Start(ctx, ZoneSpec{
		ZoneID:     1,
		Name:       "zone-1",
		Executable: "/bin/sh",
		Args:       []string{"-c", "printf '%s\n%s\n' \"$ZONE_FLAG\" \"$PARENT_FLAG\" > \"$OUTPUT_FILE\""},
		Env: map[string]string{
			"ZONE_FLAG":   "zone",
			"OUTPUT_FILE": outputPath,
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if name != "zone-1" {
		t.Fatalf("Start() = %q, want %q", name, "zone-1")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(outputPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("env file %q was not created", outputPath)
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("failed to read env file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected env file contents: %q", string(data))
	}
	if lines[0] != "zone" {
		t.Errorf("ZONE_FLAG = %q, want %q", lines[0], "zone")
	}
	if lines[1] != "inherited" {
		t.Errorf("PARENT_FLAG = %q, want %q", lines[1], "inherited")
	}

	info := waitForStatus(t, mgr, "exited")
	if info.ZoneID != 1 {
		t.Errorf("ZoneID = %d, want 1", info.ZoneID)
	}
	if info.Runtime != "process" {
		t.Errorf("Runtime = %q, want %q", info.Runtime, "process")
	}
	if info.StoppedAt == nil {
		t.Errorf("StoppedAt = nil, want non-nil")
	}
	if info.LastError != "" {
		t.Errorf("LastError = %q, want empty", info.LastError)
	}
}

func TestProcessesReportExitStatus(t *testing.T) {
	t.Parallel()

	mgr := newLocalManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := mgr.Start(ctx, ZoneSpec{
		ZoneID:     1,
		Name:       "zone-1",
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo failing >&2; exit 12"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	info := waitForStatus(t, mgr, "stopped")
	if info.StoppedAt == nil {
		t.Fatalf("StoppedAt = nil, want non-nil")
	}
	if !strings.Contains(info.LastError, "exit status 12") {
		t.Fatalf("LastError = %q, want to contain exit status", info.LastError)
	}
}

func TestStartWhileRunningKeepsExistingProcess(t *testing.T) {
	t.Parallel()

	mgr := newLocalManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := mgr.Start(ctx, ZoneSpec{
		ZoneID:     9,
		Name:       "zone-9",
		Executable: "/bin/sh",
		Args:       []string{"-c", "exec sleep 60"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	second, err := mgr.Start(ctx, ZoneSpec{
		ZoneID:     9,
		Name:       "zone-9-replacement",
		Executable: "/bin/sh",
		Args:       []string{"-c", "exec sleep 60"},
	})
	if err != nil {
		t.Fatalf("Start() second call error = %v", err)
	}
	if second != first {
		t.Fatalf("Start() while running = %q, want existing %q", second, first)
	}
	if got := len(mgr.Processes()); got != 1 {
		t.Fatalf("Processes() length = %d, want 1", got)
	}

	if err := mgr.Stop(ctx, 9); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitForStatus(t, mgr, "stopped")

	if err := mgr.Stop(ctx, 404); err != nil {
		t.Fatalf("Stop() unknown zone error = %v", err)
	}
}

func TestStartRequiresExecutable(t *testing.T) {
	t.Parallel()

	mgr := newLocalManager(t)

	_, err := mgr.Start(context.Background(), ZoneSpec{ZoneID: 1, Name: "zone-1"})
	if err == nil {
		t.Fatalf("Start() without executable succeeded, want error")
	}
	if !strings.Contains(err.Error(), "executable") {
		t.Fatalf("Start() error = %v, want mention of executable", err)
	}
}
