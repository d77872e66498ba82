package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readJSON(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func preToolUse(t *testing.T, path string) []interface{} {
	t.Helper()
	hooks, _ := readJSON(t, path)["hooks"].(map[string]interface{})
	list, _ := hooks["PreToolUse"].([]interface{})
	return list
}

func TestInstallHook_CreatesSettings(t *testing.T) {
	path := SettingsPath(t.TempDir())

	changed, err := InstallHook(path, "/usr/local/bin/approval-gate")
	if err != nil || !changed {
		t.Fatalf("InstallHook() = %v, %v", changed, err)
	}
	list := preToolUse(t, path)
	if len(list) != 1 {
		t.Fatalf("PreToolUse entries = %d, want 1", len(list))
	}
	if got := hookCommand(list[0]); got != "/usr/local/bin/approval-gate hook" {
		t.Errorf("command = %q", got)
	}
	if m := list[0].(map[string]interface{}); m["matcher"] != HookMatcher {
		t.Errorf("matcher = %v", m["matcher"])
	}
}

func TestInstallHook_PreservesAndIsIdempotent(t *testing.T) {
	path := SettingsPath(t.TempDir())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	existing := `{"model":"opus","hooks":{"PreToolUse":[{"matcher":"Bash","hooks":[{"type":"command","command":"other-tool check"}]}]}}`
	if err := os.WriteFile(path, []byte(existing), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := InstallHook(path, "/bin/gate"); err != nil {
		t.Fatal(err)
	}
	changed, err := InstallHook(path, "/bin/gate")
	if err != nil || changed {
		t.Fatalf("second InstallHook() = %v, %v; want no change", changed, err)
	}

	if readJSON(t, path)["model"] != "opus" {
		t.Error("unrelated settings were dropped")
	}
	list := preToolUse(t, path)
	if len(list) != 2 || hookCommand(list[0]) != "/bin/gate hook" || hookCommand(list[1]) != "other-tool check" {
		t.Errorf("PreToolUse = %v", list)
	}
}

func TestInstallHook_RefusesUnparseableSettings(t *testing.T) {
	path := SettingsPath(t.TempDir())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := InstallHook(path, "/bin/gate"); err == nil {
		t.Fatal("expected error for corrupt settings")
	}
	if data, _ := os.ReadFile(path); string(data) != "{not json" {
		t.Error("corrupt settings were overwritten")
	}
}

func TestUninstallHook(t *testing.T) {
	path := SettingsPath(t.TempDir())
	if changed, err := UninstallHook(path, "/bin/gate"); err != nil || changed {
		t.Fatalf("uninstall on missing file = %v, %v", changed, err)
	}

	if _, err := InstallHook(path, "/bin/gate"); err != nil {
		t.Fatal(err)
	}
	changed, err := UninstallHook(path, "/bin/gate")
	if err != nil || !changed {
		t.Fatalf("UninstallHook() = %v, %v", changed, err)
	}
	if _, ok := readJSON(t, path)["hooks"]; ok {
		t.Error("empty hooks object should be removed")
	}
}
