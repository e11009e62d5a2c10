package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triplestream/eventlog/internal/config"
	"github.com/triplestream/eventlog/internal/events"
)

// DefaultSettingsPath is the default location of the tuning file. Hidden-file
// format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultSettingsPath = ".eventlog.yaml"

// SettingsPathEnvVar is the environment variable naming a custom tuning file.
const SettingsPathEnvVar = "EVENTLOG_CONFIG_PATH"

type (
	// Duration accepts Go duration strings ("500ms", "5s") in YAML.
	Duration time.Duration

	// CategorySettings overrides the dispatch tuning of one egress category.
	// Zero fields keep the global default.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	CategorySettings struct {
		// FetchLimit caps how many candidate projects a finder scans per pop.
		FetchLimit int `yaml:"fetch_limit"`

		// NoEventSleep is the dispatcher pause after an empty pop.
		NoEventSleep Duration `yaml:"no_event_sleep"`

		// RetryInterval is the dispatcher pause after a failed cycle.
		RetryInterval Duration `yaml:"retry_interval"`

		// BusySleep is how long a busy subscriber of the category rests.
		BusySleep Duration `yaml:"busy_sleep"`
	}

	// Settings holds the per-category dispatch tuning loaded from
	// .eventlog.yaml. Categories not present in the file run on the global
	// defaults.
	Settings struct {
		Categories map[string]CategorySettings `yaml:"categories"`
	}
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// For returns the overrides of a category; the zero value when none are set.
func (s *Settings) For(category events.Category) CategorySettings {
	return s.Categories[string(category)]
}

// LoadSettings loads dispatch tuning from a YAML file at the given path.
//
// Behavior:
//   - Returns empty settings (not error) if the file doesn't exist - tuning is optional
//   - Returns empty settings + logs warning if the YAML is invalid (graceful degradation)
//   - Returns populated settings on success
//
// This graceful degradation ensures the service can start without a tuning
// file; every knob has a working default.
func LoadSettings(path string) (*Settings, error) {
	settings := &Settings{
		Categories: make(map[string]CategorySettings),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - tuning is optional
			slog.Debug("Tuning file not found, using dispatch defaults",
				slog.String("path", path))

			return settings, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read tuning file, using dispatch defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return settings, nil
	}

	// Empty file is valid - just no overrides
	if len(data) == 0 {
		return settings, nil
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse tuning file, using dispatch defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Settings{Categories: make(map[string]CategorySettings)}, nil
	}

	// Ensure map is initialized even if YAML had nil/empty section
	if settings.Categories == nil {
		settings.Categories = make(map[string]CategorySettings)
	}

	return settings, nil
}

// LoadSettingsFromEnv loads settings from the path named by the
// EVENTLOG_CONFIG_PATH environment variable. Falls back to ".eventlog.yaml"
// in the current directory if not set.
func LoadSettingsFromEnv() (*Settings, error) {
	path := config.GetEnvStr(SettingsPathEnvVar, DefaultSettingsPath)

	return LoadSettings(path)
}
