package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	// ErrNotFound is returned when the requested file or directory does not exist
	ErrNotFound = errors.New("not found")
	// ErrStorageFull is returned when the flash has no space left for a write
	ErrStorageFull = errors.New("storage full")
	// ErrWrite is returned when the storage rejects a write for any other reason
	ErrWrite = errors.New("storage write failed")
)

// Kind tells files and directories apart in a listing
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is a single item of a directory listing
type Entry struct {
	Name string
	Kind Kind
}

// Provider is the storage surface the update engine works against.
// Paths are relative to the provider root.
type Provider interface {
	List(dir string) ([]Entry, error)
	Exists(path string) bool
	Read(path string) ([]byte, error)
	// Write stores the content of r at path, creating intermediate directories
	Write(path string, r io.Reader) (int64, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	// RemoveAll deletes path and everything below it
	RemoveAll(path string) error
}

// Fs implements Provider on top of an afero filesystem
type Fs struct {
	fs afero.Fs
}

// NewFs wraps the given afero filesystem
func NewFs(fs afero.Fs) *Fs {
	return &Fs{fs: fs}
}

// NewOsFs returns a Provider rooted at the given directory of the host filesystem
func NewOsFs(root string) *Fs {
	return NewFs(afero.NewBasePathFs(afero.NewOsFs(), root))
}

func (f *Fs) List(dir string) ([]Entry, error) {
	infos, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return nil, classify(fmt.Errorf("list %s: %w", dir, err), err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		kind := KindFile
		if info.IsDir() {
			kind = KindDir
		}
		entries = append(entries, Entry{Name: info.Name(), Kind: kind})
	}
	return entries, nil
}

func (f *Fs) Exists(path string) bool {
	ok, err := afero.Exists(f.fs, path)
	if err != nil {
		log.Debugf("failed to stat %s: %v", path, err)
		return false
	}
	return ok
}

func (f *Fs) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, classify(fmt.Errorf("read %s: %w", path, err), err)
	}
	return data, nil
}

func (f *Fs) Write(path string, r io.Reader) (int64, error) {
	if err := f.Mkdir(filepath.Dir(path)); err != nil {
		return 0, err
	}

	out, err := f.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, writeErr(path, err)
	}

	w := &trackingWriter{w: out}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = out.Close()
		if w.err != nil {
			return n, writeErr(path, err)
		}
		return n, fmt.Errorf("read source of %s: %w", path, err)
	}

	if err := out.Close(); err != nil {
		return n, writeErr(path, err)
	}
	return n, nil
}

func (f *Fs) Mkdir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := f.fs.MkdirAll(path, 0o755); err != nil {
		return writeErr(path, err)
	}
	return nil
}

func (f *Fs) Remove(path string) error {
	if err := f.fs.Remove(path); err != nil {
		return classify(fmt.Errorf("remove %s: %w", path, err), err)
	}
	return nil
}

func (f *Fs) Rename(oldPath, newPath string) error {
	if err := f.fs.Rename(oldPath, newPath); err != nil {
		return classify(fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err), err)
	}
	return nil
}

func (f *Fs) RemoveAll(path string) error {
	return RemoveTree(f, path)
}

// RemoveTree deletes dir and everything below it in post-order: directory
// contents go before the directory itself. A missing dir is not an error.
// The first failure stops the walk and is returned as is.
func RemoveTree(p Provider, dir string) error {
	entries, err := p.List(dir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name)
		if entry.Kind == KindDir {
			if err := RemoveTree(p, child); err != nil {
				return err
			}
			continue
		}

		if err := p.Remove(child); err != nil {
			return err
		}
	}

	return p.Remove(dir)
}

// trackingWriter remembers write failures so they can be told apart from
// failures of the reader feeding io.Copy
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func writeErr(path string, cause error) error {
	if errors.Is(cause, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s: %w", ErrStorageFull, path, cause)
	}
	return fmt.Errorf("%w: %s: %w", ErrWrite, path, cause)
}

func classify(wrapped, cause error) error {
	switch {
	case errors.Is(cause, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, wrapped)
	case errors.Is(cause, syscall.ENOSPC):
		return fmt.Errorf("%w: %w", ErrStorageFull, wrapped)
	default:
		return wrapped
	}
}
