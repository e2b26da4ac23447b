package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()
	if cfg.Time != "02:00" {
		t.Errorf("expected default time 02:00, got %s", cfg.Time)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("expected default retention 7, got %d", cfg.RetentionDays)
	}
	if cfg.IntervalDays != 0 {
		t.Errorf("expected interval trigger disabled by default, got %d", cfg.IntervalDays)
	}
	if cfg.Engine.Performance.CopyWorkers < 1 || cfg.Engine.Performance.CopyWorkers > 4 {
		t.Errorf("expected copy workers in [1,4], got %d", cfg.Engine.Performance.CopyWorkers)
	}
}

func TestConfig_Validate(t *testing.T) {
	newValidConfig := func(t *testing.T) Config {
		t.Helper()
		cfg := NewDefault()
		cfg.Source = t.TempDir()
		cfg.Destination = t.TempDir()
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config to pass validation, but got: %v", err)
		}
	})

	t.Run("Missing Source Is Not A Config Error", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Source = filepath.Join(t.TempDir(), "does-not-exist")
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected nonexistent source to pass validation, but got: %v", err)
		}
	})

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"Empty Source", func(c *Config) { c.Source = "" }, "source path cannot be empty"},
		{"Empty Destination", func(c *Config) { c.Destination = "" }, "destination path cannot be empty"},
		{"Same Paths", func(c *Config) { c.Destination = c.Source }, "cannot be the same path"},
		{"Destination Inside Source", func(c *Config) { c.Destination = filepath.Join(c.Source, "backups") }, "cannot be inside source"},
		{"Bad Time Format", func(c *Config) { c.Time = "2am" }, "invalid trigger time"},
		{"Hour Out Of Range", func(c *Config) { c.Time = "24:00" }, "invalid trigger time"},
		{"Single Digit Hour", func(c *Config) { c.Time = "2:00" }, "invalid trigger time"},
		{"Negative Retention", func(c *Config) { c.RetentionDays = -1 }, "retentionDays cannot be negative"},
		{"Negative Interval", func(c *Config) { c.IntervalDays = -3 }, "intervalDays cannot be negative"},
		{"Bad Cron", func(c *Config) { c.Cron = "every day" }, "invalid cron expression"},
		{"Zero Copy Workers", func(c *Config) { c.Engine.Performance.CopyWorkers = 0 }, "copyWorkers must be at least 1"},
		{"Zero Delete Workers", func(c *Config) { c.Engine.Performance.DeleteWorkers = 0 }, "deleteWorkers must be at least 1"},
		{"Zero Buffer", func(c *Config) { c.Engine.Performance.BufferSizeKB = 0 }, "bufferSizeKB must be at least 1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newValidConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}

	t.Run("Cron Descriptor Accepted", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Cron = "@daily"
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected @daily to be accepted, got: %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("Missing File Returns Defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !reflect.DeepEqual(cfg, NewDefault()) {
			t.Errorf("expected defaults for a missing file, got %+v", cfg)
		}
	})

	t.Run("JSON Overlays Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		content := `{"source": "/data", "destination": "/backup", "time": "23:30"}`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Source != "/data" || cfg.Destination != "/backup" || cfg.Time != "23:30" {
			t.Errorf("file values not applied: %+v", cfg)
		}
		if cfg.RetentionDays != 7 {
			t.Errorf("expected default retention to survive, got %d", cfg.RetentionDays)
		}
	})

	t.Run("TOML By Extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "job.toml")
		content := "source = \"/data\"\ndestination = \"/backup\"\nretentionDays = 30\n\n[engine.performance]\ncopyWorkers = 2\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.RetentionDays != 30 {
			t.Errorf("expected retention 30, got %d", cfg.RetentionDays)
		}
		if cfg.Engine.Performance.CopyWorkers != 2 {
			t.Errorf("expected 2 copy workers, got %d", cfg.Engine.Performance.CopyWorkers)
		}
		if cfg.Engine.Performance.BufferSizeKB != 256 {
			t.Errorf("expected default buffer size to survive, got %d", cfg.Engine.Performance.BufferSizeKB)
		}
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("expected an error for malformed JSON")
		}
	})
}

func TestSave(t *testing.T) {
	for _, name := range []string{ConfigFileName, "job.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := NewDefault()
			cfg.Source = "/data"
			cfg.Destination = "/backup"
			cfg.Cron = "0 3 * * *"

			if err := Save(path, cfg); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !reflect.DeepEqual(loaded, cfg) {
				t.Errorf("saved and loaded config differ:\nsaved:  %+v\nloaded: %+v", cfg, loaded)
			}
		})
	}
}

func TestHistoryPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)

	cfg := NewDefault()
	if got, want := cfg.HistoryPath(configPath), filepath.Join(filepath.Dir(configPath), HistoryFileName); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	cfg.HistoryDB = "runs.db"
	if got, want := cfg.HistoryPath(configPath), filepath.Join(filepath.Dir(configPath), "runs.db"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	abs := filepath.Join(t.TempDir(), "abs.db")
	cfg.HistoryDB = abs
	if got := cfg.HistoryPath(configPath); got != abs {
		t.Errorf("expected absolute path to be kept, got %s", got)
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	base.Source = "/from-file"

	setFlags := map[string]any{
		"destination":    "/from-flag",
		"time":           "05:15",
		"retention-days": 3,
		"interval-days":  14,
		"copy-workers":   8,
		"metrics-listen": ":9100",
		"force":          true,
	}

	merged := MergeConfigWithFlags(flagparse.Backup, base, setFlags)
	if merged.Source != "/from-file" {
		t.Errorf("expected unset flag to keep file value, got %s", merged.Source)
	}
	if merged.Destination != "/from-flag" || merged.Time != "05:15" {
		t.Errorf("expected flag values to win, got %+v", merged)
	}
	if merged.RetentionDays != 3 || merged.IntervalDays != 14 {
		t.Errorf("expected int flags to be applied, got retention=%d interval=%d", merged.RetentionDays, merged.IntervalDays)
	}
	if merged.Engine.Performance.CopyWorkers != 8 {
		t.Errorf("expected copy workers 8, got %d", merged.Engine.Performance.CopyWorkers)
	}
	if merged.MetricsListen != "" {
		t.Errorf("metrics-listen must only apply to the daemon, got %q", merged.MetricsListen)
	}

	merged = MergeConfigWithFlags(flagparse.Run, base, setFlags)
	if merged.MetricsListen != ":9100" {
		t.Errorf("expected metrics-listen for run, got %q", merged.MetricsListen)
	}
	if base.Destination != "" {
		t.Error("base config must not be modified")
	}
}

func TestLive(t *testing.T) {
	a := NewDefault()
	a.Source, a.Destination = "/a", "/a-backup"
	b := NewDefault()
	b.Source, b.Destination = "/b", "/b-backup"

	live := NewLive(a)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				live.Set(a)
				live.Set(b)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				got := live.Get()
				if !reflect.DeepEqual(got, a) && !reflect.DeepEqual(got, b) {
					t.Errorf("observed a torn config value: %+v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := NewDefault()
	cfg.Source = filepath.Join(dir, "src")
	cfg.Destination = filepath.Join(dir, "dst")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	live := NewLive(cfg)

	changed := make(chan Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, live, func(_, n Config) { changed <- n })
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)

	t.Run("Invalid File Is Ignored", func(t *testing.T) {
		if err := os.WriteFile(path, []byte(`{"source": "", "destination": ""}`), 0644); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-changed:
			t.Fatalf("expected invalid config to be ignored, got %+v", got)
		case <-time.After(time.Second):
		}
		if live.Get().Time != "02:00" {
			t.Errorf("expected live config to keep last good value")
		}
	})

	t.Run("Valid File Is Applied", func(t *testing.T) {
		updated := cfg
		updated.Time = "04:45"
		if err := Save(path, updated); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-changed:
			if got.Time != "04:45" {
				t.Errorf("expected reloaded time 04:45, got %s", got.Time)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for config reload")
		}
		if live.Get().Time != "04:45" {
			t.Errorf("expected live config to hold the new time, got %s", live.Get().Time)
		}
	})
}
