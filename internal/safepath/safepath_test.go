package safepath

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"agent-1":          "agent-1",
		"../../etc/passwd": "______etc_passwd",
		".hidden":          "_hidden",
		"a b/c":            "a_b_c",
		"workflow_ok":      "workflow_ok",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Fatalf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinStaysInsideBase(t *testing.T) {
	base := t.TempDir()
	path, err := Join(base, "../../etc/passwd", ".json")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if filepath.Dir(path) != base {
		t.Fatalf("path escaped base: %s", path)
	}
	if filepath.Base(path) != "______etc_passwd.json" {
		t.Fatalf("unexpected file name %s", filepath.Base(path))
	}
}

func TestJoinRejectsEmpty(t *testing.T) {
	if _, err := Join(t.TempDir(), "  ", ".json"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/data/agents")
	if !Within(root, filepath.FromSlash("/data/agents/a.json")) {
		t.Fatalf("expected child path to be inside root")
	}
	if Within(root, filepath.FromSlash("/data/other.json")) {
		t.Fatalf("sibling path must be rejected")
	}
	if Within(root, root) {
		t.Fatalf("root itself is not a file inside root")
	}
}

func TestValid(t *testing.T) {
	if !Valid("abc_DEF-1") || Valid("") || Valid("a.b") {
		t.Fatalf("unexpected Valid results")
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "wf.json")
	if err := WriteFileAtomic(path, []byte(`{"v":1}`), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"v":2}`), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Fatalf("unexpected content %s", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %d entries", len(entries))
	}
}
