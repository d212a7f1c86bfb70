package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n" +
		"TB_TEST_FRESH=from-file\n" +
		"TB_TEST_TAKEN=from-file\n" +
		"=novalue\n" +
		"broken-line\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TB_TEST_FRESH", "")
	t.Setenv("TB_TEST_TAKEN", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("TB_TEST_FRESH"); got != "from-file" {
		t.Fatalf("unset key not loaded: got %q", got)
	}
	if got := os.Getenv("TB_TEST_TAKEN"); got != "from-env" {
		t.Fatalf("existing env var overwritten: got %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestLoadAuthToken_GeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()

	tok1, err := loadAuthToken(dir)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if tok1 == "" {
		t.Fatal("empty generated token")
	}

	info, err := os.Stat(filepath.Join(dir, "auth.token"))
	if err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %o, want 600", perm)
	}

	tok2, err := loadAuthToken(dir)
	if err != nil {
		t.Fatalf("reload token: %v", err)
	}
	if tok2 != tok1 {
		t.Fatalf("token not stable across loads: %q vs %q", tok1, tok2)
	}
}
