package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# coordinator settings\n" +
		"\n" +
		"DESKBRIDGE_TEST_PLAIN=loaded\n" +
		"DESKBRIDGE_TEST_QUOTED=\"hello world\"\n" +
		"DESKBRIDGE_TEST_SINGLE='keep me'\n" +
		"export DESKBRIDGE_TEST_EXPORTED=ok\n" +
		"DESKBRIDGE_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	for _, key := range []string{
		"DESKBRIDGE_TEST_PLAIN",
		"DESKBRIDGE_TEST_QUOTED",
		"DESKBRIDGE_TEST_SINGLE",
		"DESKBRIDGE_TEST_EXPORTED",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("DESKBRIDGE_TEST_EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("DESKBRIDGE_TEST_PLAIN"); got != "loaded" {
		t.Fatalf("PLAIN=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("DESKBRIDGE_TEST_QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("DESKBRIDGE_TEST_SINGLE"); got != "keep me" {
		t.Fatalf("SINGLE=%q, want %q", got, "keep me")
	}
	if got := os.Getenv("DESKBRIDGE_TEST_EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("DESKBRIDGE_TEST_EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestParseAssignment_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
	}{
		{name: "comment", line: "# KEY=value"},
		{name: "blank", line: "   "},
		{name: "no equals", line: "JUSTAWORD"},
		{name: "leading equals", line: "=value"},
		{name: "whitespace key", line: "   =value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if key, val, ok := parseAssignment(tc.line); ok {
				t.Fatalf("parseAssignment(%q) = %q=%q, want skip", tc.line, key, val)
			}
		})
	}
}

func TestParseAssignment_KeepsInnerQuotes(t *testing.T) {
	t.Parallel()

	key, val, ok := parseAssignment(`DSN=postgres://u:p@localhost/db?sslmode="disable"`)
	if !ok || key != "DSN" {
		t.Fatalf("parseAssignment key=%q ok=%v", key, ok)
	}
	// Only a fully quoted value loses its quotes.
	if want := `postgres://u:p@localhost/db?sslmode="disable"`; val != want {
		t.Fatalf("val=%q, want %q", val, want)
	}
}
