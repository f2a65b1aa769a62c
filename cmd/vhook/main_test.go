package main

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/zboralski/vhook/internal/vtable"
)

func TestClassesOf(t *testing.T) {
	o := &vtable.Offsets{}
	o.Set("CPlayer::TakeDamage", 62)
	o.Set("CPlayer::Think", 70)
	o.Set("CEnemy::Think", 12)
	o.Set("Global", 1)

	got := classesOf(o)
	if !slices.Equal(got, []string{"CEnemy", "CPlayer"}) {
		t.Errorf("classesOf = %v", got)
	}
}

func TestOffsetsCommand(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NO_COLOR", "1")

	path := filepath.Join(t.TempDir(), "offsets.yml")
	data := "CPlayer::TakeDamage:\n  linux: 62\n  windows: 60\nCPlayer::Think:\n  windows: 3\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"offsets", path, "--os", "windows"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"(windows)", "CPlayer::TakeDamage", "60", "CPlayer::Think"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
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
