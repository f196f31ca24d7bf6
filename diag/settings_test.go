package diag

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeSettingsFile(t *testing.T, path string, reportLeaks, traceDeliveries bool) {
	t.Helper()
	content := "report_leaks = " + boolString(reportLeaks) + "\n" +
		"trace_deliveries = " + boolString(traceDeliveries) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.toml")
	writeSettingsFile(t, path, true, false)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if !s.ReportLeaks || s.TraceDeliveries {
		t.Fatalf("unexpected settings: %+v", s)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	if _, err := LoadSettings(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_REPORT_LEAKS", "true")
	t.Setenv("DISPATCH_TRACE_DELIVERIES", "true")

	s, err := SettingsFromEnv()
	if err != nil {
		t.Fatalf("SettingsFromEnv failed: %v", err)
	}
	if !s.ReportLeaks || !s.TraceDeliveries {
		t.Fatalf("unexpected settings: %+v", s)
	}
}

func TestWatchAppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.toml")
	writeSettingsFile(t, path, false, false)

	var mu sync.Mutex
	var applied []Settings

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(s Settings) {
			mu.Lock()
			applied = append(applied, s)
			mu.Unlock()
		})
	}()

	// The initial load must arrive before any file mutation.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) >= 1
	})

	writeSettingsFile(t, path, true, true)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := applied[len(applied)-1]
		return last.ReportLeaks && last.TraceDeliveries
	})

	cancel()
	select {
	case err := <-watchDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchSkipsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.toml")
	writeSettingsFile(t, path, true, false)

	var mu sync.Mutex
	var applied []Settings

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logBuf := &lockedBuffer{}
	log := slog.New(slog.NewTextHandler(logBuf, nil))

	go func() {
		_ = Watch(ctx, path, log, func(s Settings) {
			mu.Lock()
			applied = append(applied, s)
			mu.Unlock()
		})
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1
	})

	if err := os.WriteFile(path, []byte("report_leaks = \"not-a-bool\"\n"), 0o644); err != nil {
		t.Fatalf("write broken file: %v", err)
	}

	waitFor(t, func() bool {
		return strings.Contains(logBuf.String(), "settings reload skipped")
	})

	// The broken parse must not have produced an apply call.
	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied settings, got %d", len(applied))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// lockedBuffer lets the watcher goroutine log while the test polls.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
