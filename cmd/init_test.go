package cmd_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-autobackup/cmd"
	"github.com/paulschiretz/pgl-autobackup/pkg/config"
)

func TestPromptForConfirmation(t *testing.T) {
	// Helper to mock stdin/stdout and run the function
	mockPrompt := func(input string, prompt string, defaultYes bool) (bool, string) {
		// Pipe for stdin
		rIn, wIn, _ := os.Pipe()
		// Pipe for stdout
		rOut, wOut, _ := os.Pipe()

		// Save original stdin/stdout
		origStdin := os.Stdin
		origStdout := os.Stdout
		defer func() {
			os.Stdin = origStdin
			os.Stdout = origStdout
		}()

		// Redirect
		os.Stdin = rIn
		os.Stdout = wOut

		// Write input
		go func() {
			_, _ = wIn.WriteString(input)
			_ = wIn.Close()
		}()

		// Run the function
		result := cmd.PromptForConfirmation(prompt, defaultYes)

		// Close writer to read output
		_ = wOut.Close()
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)

		return result, buf.String()
	}

	tests := []struct {
		name       string
		input      string
		prompt     string
		defaultYes bool
		want       bool
		wantPrompt string
	}{
		{"Explicit Yes", "y\n", "Continue?", false, true, "Continue? [y/N]: "},
		{"Explicit No", "n\n", "Continue?", true, false, "Continue? [Y/n]: "},
		{"Default Yes (Empty)", "\n", "Sure?", true, true, "Sure? [Y/n]: "},
		{"Default No (Empty)", "\n", "Sure?", false, false, "Sure? [y/N]: "},
		{"Case Insensitive", "YES\n", "Go?", false, true, "Go? [y/N]: "},
		{"Whitespace Handling", "   y   \n", "Clean?", false, true, "Clean? [y/N]: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, output := mockPrompt(tt.input, tt.prompt, tt.defaultYes)
			if got != tt.want {
				t.Errorf("promptForConfirmation() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(output, tt.wantPrompt) {
				t.Errorf("Output = %q, want substring %q", output, tt.wantPrompt)
			}
		})
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "pgl-autobackup.config.toml")
	source := filepath.Join(dir, "source")
	destination := filepath.Join(dir, "backups")
	require.NoError(t, os.MkdirAll(source, 0755))

	flags := map[string]interface{}{
		"config":         configPath,
		"source":         source,
		"destination":    destination,
		"time":           "03:30",
		"retention-days": 14,
		"cron":           "@weekly",
	}
	require.NoError(t, cmd.RunInit(t.Context(), flags))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, source, cfg.Source)
	assert.Equal(t, destination, cfg.Destination)
	assert.Equal(t, "03:30", cfg.Time)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, "@weekly", cfg.Cron)
	assert.DirExists(t, destination, "init must create the destination")

	t.Run("Force Keeps Unchanged Settings", func(t *testing.T) {
		require.NoError(t, cmd.RunInit(t.Context(), map[string]interface{}{
			"config": configPath,
			"time":   "04:00",
			"force":  true,
		}))
		cfg, err := config.Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "04:00", cfg.Time)
		assert.Equal(t, 14, cfg.RetentionDays)
		assert.Equal(t, source, cfg.Source)
	})

	t.Run("Invalid Config Is Not Written", func(t *testing.T) {
		otherPath := filepath.Join(dir, "other.json")
		err := cmd.RunInit(t.Context(), map[string]interface{}{
			"config":      otherPath,
			"source":      source,
			"destination": destination,
			"time":        "25:00",
		})
		assert.Error(t, err)
		assert.NoFileExists(t, otherPath)
	})

	t.Run("Destination Inside Source", func(t *testing.T) {
		err := cmd.RunInit(t.Context(), map[string]interface{}{
			"config":      filepath.Join(dir, "nested.json"),
			"source":      source,
			"destination": filepath.Join(source, "backups"),
		})
		assert.Error(t, err)
	})
}
