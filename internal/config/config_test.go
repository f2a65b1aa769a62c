package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Debug || cfg.NoColor || cfg.Gamedata != "" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxInsn != 1_000_000 || !cfg.Fallbacks {
		t.Errorf("MaxInsn=%d Fallbacks=%v", cfg.MaxInsn, cfg.Fallbacks)
	}
}

func TestFileEnvFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vhook.yaml")
	data := "debug: true\nos: windows\nentry: main\nmax_insn: 500\nclasses: [Player, Enemy]\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VHOOK_ENTRY", "JNI_OnLoad")
	t.Setenv("VHOOK_NO_COLOR", "true")

	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Uint64("max-insn", 0, "")
	fs.Bool("unrelated", false, "")
	if err := BindFlags(v, fs); err != nil {
		t.Fatal(err)
	}
	if err := fs.Parse([]string{"--max-insn=42"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Debug || cfg.OS != "windows" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Entry != "JNI_OnLoad" || !cfg.NoColor {
		t.Errorf("env not applied: entry=%q no_color=%v", cfg.Entry, cfg.NoColor)
	}
	if cfg.MaxInsn != 42 {
		t.Errorf("flag not applied: max_insn=%d", cfg.MaxInsn)
	}
	if len(cfg.Classes) != 2 || cfg.Classes[1] != "Enemy" {
		t.Errorf("classes = %v", cfg.Classes)
	}
	if Used(v) != path {
		t.Errorf("Used = %q", Used(v))
	}
}

func TestSearchPath(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())
	if err := os.WriteFile("vhook.yaml", []byte("entry: start\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Entry != "start" {
		t.Errorf("entry = %q", cfg.Entry)
	}
}

func TestExplicitMissingFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.js")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"linux", Config{OS: "linux"}, true},
		{"bad os", Config{OS: "darwin"}, false},
		{"plugins dir", Config{Plugins: dir}, true},
		{"plugins file", Config{Plugins: file}, false},
		{"plugins missing", Config{Plugins: filepath.Join(dir, "none")}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", tt.name, err)
		}
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
