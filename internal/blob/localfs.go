package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrBadLocator = errors.New("locator outside storage root")

// LocalFS stores files under Root and names them by URL-style locators
// ("/uploads/original/x.png") that the HTTP layer serves statically.
type LocalFS struct {
	Root   string
	Prefix string
}

func NewLocalFS(root string) LocalFS {
	return LocalFS{Root: root, Prefix: "/uploads"}
}

func (l LocalFS) prefix() string {
	if l.Prefix == "" {
		return "/uploads"
	}
	return strings.TrimRight(l.Prefix, "/")
}

// Locator maps a path relative to Root to its public locator.
func (l LocalFS) Locator(rel string) string {
	rel = strings.TrimLeft(path.Clean("/"+filepath.ToSlash(rel)), "/")
	return l.prefix() + "/" + rel
}

// Path resolves a locator to an absolute file path. Locators escaping Root
// are rejected.
func (l LocalFS) Path(locator string) (string, error) {
	p := l.prefix() + "/"
	if !strings.HasPrefix(locator, p) {
		return "", fmt.Errorf("%w: %q", ErrBadLocator, locator)
	}
	rel := strings.TrimPrefix(locator, p)
	if rel == "" || strings.Contains(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadLocator, locator)
	}
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(path.Clean(rel))), nil
}

// Put writes r to rel and returns its locator and the number of bytes written.
func (l LocalFS) Put(rel string, r io.Reader) (string, int64, error) {
	locator := l.Locator(rel)
	abs, err := l.Path(locator)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", 0, err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(abs)
		return "", 0, err
	}
	return locator, n, nil
}

func (l LocalFS) Open(locator string) (*os.File, error) {
	abs, err := l.Path(locator)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(locator string) bool {
	abs, err := l.Path(locator)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func (l LocalFS) Remove(locator string) error {
	abs, err := l.Path(locator)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

// EnsureDirs creates the directories uploads and results are written to.
func (l LocalFS) EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(l.Root, filepath.FromSlash(d)), 0o755); err != nil {
			return err
		}
	}
	return nil
}
