package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
)

// Settings are the hot-tunable diagnostic knobs. The zero value disables
// everything, which is the production default.
type Settings struct {
	// ReportLeaks forwards teardown leak reports to the diagnostic sink.
	// Leaks are logged regardless. ENV: DISPATCH_REPORT_LEAKS
	ReportLeaks bool `toml:"report_leaks" env:"DISPATCH_REPORT_LEAKS,default=false"`

	// TraceDeliveries logs every event delivery at debug level.
	// ENV: DISPATCH_TRACE_DELIVERIES
	TraceDeliveries bool `toml:"trace_deliveries" env:"DISPATCH_TRACE_DELIVERIES,default=false"`
}

// LoadSettings reads a TOML settings file.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings file %s: %w", path, err)
	}
	return s, nil
}

// SettingsFromEnv builds Settings using envdecode to populate the struct.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := envdecode.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings from env: %w", err)
	}
	return s, nil
}

// Watch loads the settings file, hands the result to apply, then blocks
// re-loading on every change to the file until ctx is done. A file that
// fails to parse is logged and skipped; the previous settings stay in force.
// Callers typically run Watch on its own goroutine with apply wired to
// Directory.ApplySettings.
func Watch(ctx context.Context, path string, log *slog.Logger, apply func(Settings)) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if apply == nil {
		return fmt.Errorf("watch settings: apply must not be nil")
	}

	load := func() {
		s, err := LoadSettings(path)
		if err != nil {
			log.Warn("settings reload skipped", slog.String("err", err.Error()))
			return
		}
		apply(s)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	defer w.Close()

	// Watch the directory rather than the file: editors and atomic writers
	// replace the file, which would silently kill a file-level watch.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch settings dir %s: %w", dir, err)
	}

	load()

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			load()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("settings watcher error", slog.String("err", err.Error()))
		}
	}
}
