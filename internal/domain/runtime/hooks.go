package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HookMatcher lists the tools routed through the gate.
const HookMatcher = "Bash|Read|Write|Edit|MultiEdit|NotebookEdit|NotebookRead|Glob|Grep|LS"

// HookSubcommand is appended to the executable path in the hook command.
const HookSubcommand = "hook"

// SettingsPath returns the project-level Claude settings file.
func SettingsPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".claude", "settings.json")
}

// InstallHook registers exe as a PreToolUse hook in settingsPath. Existing
// settings and other hooks are preserved. Installing twice is a no-op.
// It reports whether the file changed.
func InstallHook(settingsPath, exe string) (bool, error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return false, err
	}
	command := exe + " " + HookSubcommand

	hooks, _ := settings["hooks"].(map[string]interface{})
	if hooks == nil {
		hooks = make(map[string]interface{})
	}
	existing, _ := hooks["PreToolUse"].([]interface{})
	for _, e := range existing {
		if hookCommand(e) == command {
			return false, nil
		}
	}

	entry := map[string]interface{}{
		"matcher": HookMatcher,
		"hooks": []interface{}{
			map[string]interface{}{
				"type":    "command",
				"command": command,
				"timeout": 10,
			},
		},
	}
	hooks["PreToolUse"] = append([]interface{}{entry}, existing...)
	settings["hooks"] = hooks

	return true, writeSettings(settingsPath, settings)
}

// UninstallHook removes every PreToolUse entry that runs exe's hook
// subcommand. It reports whether the file changed.
func UninstallHook(settingsPath, exe string) (bool, error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return false, err
	}
	hooks, _ := settings["hooks"].(map[string]interface{})
	existing, _ := hooks["PreToolUse"].([]interface{})
	if len(existing) == 0 {
		return false, nil
	}

	command := exe + " " + HookSubcommand
	kept := existing[:0:0]
	for _, e := range existing {
		if hookCommand(e) != command {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(existing) {
		return false, nil
	}
	if len(kept) == 0 {
		delete(hooks, "PreToolUse")
	} else {
		hooks["PreToolUse"] = kept
	}
	if len(hooks) == 0 {
		delete(settings, "hooks")
	}
	return true, writeSettings(settingsPath, settings)
}

// hookCommand returns the command of a single-hook PreToolUse entry.
func hookCommand(entry interface{}) string {
	m, _ := entry.(map[string]interface{})
	list, _ := m["hooks"].([]interface{})
	for _, h := range list {
		hm, _ := h.(map[string]interface{})
		if c, _ := hm["command"].(string); c != "" {
			return strings.TrimSpace(c)
		}
	}
	return ""
}

func readSettings(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]interface{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	settings := make(map[string]interface{})
	if len(strings.TrimSpace(string(data))) == 0 {
		return settings, nil
	}
	// Refuse to overwrite a file we cannot parse.
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

func writeSettings(path string, settings map[string]interface{}) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
