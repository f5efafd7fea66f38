package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullFs rejects every write the way a flash without free blocks does
type fullFs struct {
	afero.Fs
}

func (f fullFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: syscall.ENOSPC}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestFs_WriteCreatesIntermediateDirs(t *testing.T) {
	p := NewFs(afero.NewMemMapFs())

	n, err := p.Write(filepath.Join("next", "dir", "sub", "b.txt"), strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := p.Read(filepath.Join("next", "dir", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := p.List(filepath.Join("next", "dir"))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "sub", Kind: KindDir}}, entries)
}

func TestFs_WriteOverwrites(t *testing.T) {
	p := NewFs(afero.NewMemMapFs())

	_, err := p.Write("a.txt", strings.NewReader("a much longer first body"))
	require.NoError(t, err)
	_, err = p.Write("a.txt", strings.NewReader("short"))
	require.NoError(t, err)

	data, err := p.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
}

func TestFs_ErrorKinds(t *testing.T) {
	p := NewFs(afero.NewMemMapFs())

	_, err := p.Read("missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.List("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = p.Remove("missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	full := NewFs(fullFs{Fs: afero.NewMemMapFs()})
	_, err = full.Write("a.txt", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrStorageFull)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRemoveTree(t *testing.T) {
	tests := []struct {
		name  string
		files []string
	}{
		{
			name:  "flat",
			files: []string{"a.txt", "b.txt"},
		},
		{
			name:  "nested",
			files: []string{"a.txt", "lib/b.py", "lib/deep/c.py", "lib/deep/deeper/d.bin", "assets/e.png"},
		},
		{
			name:  "empty root",
			files: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewFs(afero.NewMemMapFs())
			require.NoError(t, p.Mkdir("main"))
			for _, f := range tt.files {
				_, err := p.Write(filepath.Join("main", f), strings.NewReader(f))
				require.NoError(t, err)
			}
			_, err := p.Write("keep.txt", strings.NewReader("sibling"))
			require.NoError(t, err)

			require.NoError(t, RemoveTree(p, "main"))

			assert.False(t, p.Exists("main"))
			assert.True(t, p.Exists("keep.txt"), "siblings of the removed tree must survive")
		})
	}
}

func TestRemoveTree_MissingRoot(t *testing.T) {
	p := NewFs(afero.NewMemMapFs())
	assert.NoError(t, RemoveTree(p, "nope"))
}

func TestRemoveTree_StopsOnFirstFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	p := NewFs(base)
	_, err := p.Write(filepath.Join("main", "a.txt"), strings.NewReader("a"))
	require.NoError(t, err)

	ro := NewFs(afero.NewReadOnlyFs(base))
	err = RemoveTree(ro, "main")
	require.Error(t, err)

	assert.True(t, p.Exists(filepath.Join("main", "a.txt")))
}

func TestNewOsFs(t *testing.T) {
	dir := t.TempDir()
	p := NewOsFs(dir)

	_, err := p.Write(filepath.Join("next", "x", "y.txt"), strings.NewReader("y"))
	require.NoError(t, err)
	require.NoError(t, p.Rename("next", "main"))

	data, err := os.ReadFile(filepath.Join(dir, "main", "x", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestFs_WriteReaderFailureIsNotStorageFailure(t *testing.T) {
	p := NewFs(afero.NewMemMapFs())

	_, err := p.Write("a.txt", failingReader{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWrite)
	assert.NotErrorIs(t, err, ErrStorageFull)
	assert.Contains(t, err.Error(), "connection reset")
}
