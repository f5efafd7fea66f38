package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoSpace = errors.New("no space left on device")

type memStorage struct {
	files map[string][]byte
	full  bool
}

func newMemStorage() *memStorage {
	return &memStorage{files: map[string][]byte{}}
}

func (m *memStorage) Read(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, os.ErrNotExist)
	}
	return data, nil
}

func (m *memStorage) Write(path string, r io.Reader) (int64, error) {
	if m.full {
		return 0, errNoSpace
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return n, err
	}
	m.files[path] = buf.Bytes()
	return n, nil
}

func (m *memStorage) Rename(oldPath, newPath string) error {
	data, ok := m.files[oldPath]
	if !ok {
		return os.ErrNotExist
	}
	delete(m.files, oldPath)
	m.files[newPath] = data
	return nil
}

func (m *memStorage) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func TestStore_RoundTrip(t *testing.T) {
	tokens := []string{"1.1.0", "10.0.0", "2024.06.01-beta", "not-a-version"}

	for _, token := range tokens {
		t.Run(token, func(t *testing.T) {
			mem := newMemStorage()
			s := NewStore(mem)

			require.NoError(t, s.Write("main/.version", New(token)))
			assert.Equal(t, token, s.Read("main/.version").String())
			assert.NotContains(t, mem.files, "main/.version"+TmpSuffix)
		})
	}
}

func TestStore_WriteFormat(t *testing.T) {
	mem := newMemStorage()
	require.NoError(t, NewStore(mem).Write("next/.version", New("1.1.0")))
	assert.JSONEq(t, `{"version":"1.1.0"}`, string(mem.files["next/.version"]))
}

func TestStore_ReadFallsBackToMin(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "missing"},
		{name: "malformed", content: []byte("{version: 1")},
		{name: "empty object", content: []byte("{}")},
		{name: "wrong type", content: []byte(`{"version": 3}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemStorage()
			if tt.content != nil {
				mem.files["main/.version"] = tt.content
			}

			v := NewStore(mem).Read("main/.version")
			assert.True(t, v.Equal(Min))
			assert.Equal(t, MinToken, v.String())
		})
	}
}

func TestStore_WriteFailure(t *testing.T) {
	mem := newMemStorage()
	mem.full = true

	err := NewStore(mem).Write("next/.version", New("1.0.0"))
	assert.ErrorIs(t, err, errNoSpace)
	assert.Empty(t, mem.files)
}
