// Package safepath maps caller-supplied identifiers onto file names that
// cannot escape their base directory.
package safepath

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

var (
	disallowed    = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	leadingDots   = regexp.MustCompile(`^\.+`)
	identifierRun = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Sanitize replaces every character outside [a-zA-Z0-9_-] with an underscore.
func Sanitize(id string) string {
	safe := disallowed.ReplaceAllString(id, "_")
	return leadingDots.ReplaceAllString(safe, "_")
}

// Valid reports whether id is already a non-empty sanitized identifier.
func Valid(id string) bool {
	return identifierRun.MatchString(id)
}

// Join sanitizes id, appends ext and returns the absolute path inside base.
// The resolved path is checked against base before any I/O takes place.
func Join(base, id, ext string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", xerrors.New(xerrors.CodeValidation, "identifier is required")
	}
	root, err := filepath.Abs(base)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve base directory")
	}
	candidate := filepath.Join(root, Sanitize(id)+ext)
	if !Within(root, candidate) {
		return "", xerrors.New(xerrors.CodeSecurity, "path traversal detected",
			xerrors.WithMetadata("identifier", id))
	}
	return candidate, nil
}

// Within reports whether path resolves to a location strictly inside root.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// WriteFileAtomic 先写入同目录临时文件，再重命名覆盖目标文件。
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建目录失败")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置文件权限失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换目标文件失败")
	}
	return nil
}
