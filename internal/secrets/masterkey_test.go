package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func stubEnv(t *testing.T, env map[string]string) {
	t.Helper()
	old := getenv
	getenv = func(k string) string { return env[k] }
	t.Cleanup(func() { getenv = old })
}

func TestResolveMasterKeyEnv(t *testing.T) {
	stubEnv(t, map[string]string{"HEARTH_MASTER_KEY": "from-env"})
	got, err := ResolveMasterKey(KeySource{EnvVar: "HEARTH_MASTER_KEY", KeyFile: "/does/not/exist"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("got: %s", got)
	}
}

func TestResolveMasterKeyFile(t *testing.T) {
	stubEnv(t, nil)
	path := filepath.Join(t.TempDir(), "keys")
	if err := os.WriteFile(path, []byte("# rendered\nOTHER=x\nHEARTH_MASTER_KEY=\"from-file\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ResolveMasterKey(KeySource{EnvVar: "HEARTH_MASTER_KEY", KeyFile: path})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got != "from-file" {
		t.Fatalf("got: %s", got)
	}
	got, err = ResolveMasterKey(KeySource{KeyFile: path, FileKey: "OTHER"})
	if err != nil || got != "x" {
		t.Fatalf("file key: %s %v", got, err)
	}
}

func TestResolveMasterKeyErrors(t *testing.T) {
	stubEnv(t, nil)
	if _, err := ResolveMasterKey(KeySource{EnvVar: "MISSING"}); err == nil {
		t.Fatalf("expected not configured error")
	}
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("#only\n\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ResolveMasterKey(KeySource{KeyFile: empty, FileKey: "K"}); err == nil {
		t.Fatalf("expected empty file error")
	}
	other := filepath.Join(dir, "other")
	if err := os.WriteFile(other, []byte("A=1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ResolveMasterKey(KeySource{KeyFile: other, FileKey: "K"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := ResolveMasterKey(KeySource{KeyFile: filepath.Join(dir, "nope"), FileKey: "K"}); err == nil {
		t.Fatalf("expected open error")
	}
}
