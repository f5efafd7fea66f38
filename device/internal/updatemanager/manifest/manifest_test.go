package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weighstation/weighstation/device/internal/config"
)

func newRemote(url string) config.Remote {
	return config.Remote{
		BaseURL:          url,
		VersionDocument:  config.DefaultVersionDocument,
		FileListDocument: config.DefaultFileListDocument,
	}
}

func singleAttempt() config.RetryPolicy {
	return config.RetryPolicy{Timeout: config.Duration(time.Second), Attempts: 1}
}

func TestClient_FetchLatestVersion(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expected    string
		expectedErr error
	}{
		{name: "valid", status: http.StatusOK, body: `{"version":"1.1.0"}`, expected: "1.1.0"},
		{name: "extra fields", status: http.StatusOK, body: `{"version":"2.0.0","notes":"x"}`, expected: "2.0.0"},
		{name: "missing field", status: http.StatusOK, body: `{"name":"fw"}`, expectedErr: ErrManifestInvalid},
		{name: "empty version", status: http.StatusOK, body: `{"version":""}`, expectedErr: ErrManifestInvalid},
		{name: "not a version", status: http.StatusOK, body: `{"version":"latest"}`, expectedErr: ErrManifestInvalid},
		{name: "malformed", status: http.StatusOK, body: `{"version":`, expectedErr: ErrManifestInvalid},
		{name: "not found", status: http.StatusNotFound, body: "", expectedErr: ErrRemoteUnavailable},
		{name: "server error", status: http.StatusInternalServerError, body: "", expectedErr: ErrRemoteUnavailable},
		{name: "too large", status: http.StatusOK, body: `{"version":"1.0.0","pad":"` + strings.Repeat("x", maxDocumentSize) + `"}`, expectedErr: ErrManifestInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/fw/version.json", r.URL.Path)
				assert.Contains(t, r.Header.Get("User-Agent"), "weighstation-ota/")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(newRemote(srv.URL+"/fw/"), singleAttempt())
			v, err := c.FetchLatestVersion(context.Background())
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v.String())
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(newRemote(url), singleAttempt())
	_, err := c.FetchLatestVersion(context.Background())
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	_, err = c.FetchFileList(context.Background())
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestClient_SingleRequestByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(newRemote(srv.URL), singleAttempt())
	_, err := c.FetchLatestVersion(context.Background())
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"version":"1.2.0"}`))
	}))
	defer srv.Close()

	policy := config.RetryPolicy{
		Timeout:         config.Duration(time.Second),
		Attempts:        3,
		InitialInterval: config.Duration(time.Millisecond),
		MaxInterval:     config.Duration(5 * time.Millisecond),
	}
	c := NewClient(newRemote(srv.URL), policy)

	v, err := c.FetchLatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", v.String())
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	policy := config.RetryPolicy{Timeout: config.Duration(time.Second), Attempts: 5, InitialInterval: config.Duration(time.Millisecond)}
	c := NewClient(newRemote(srv.URL), policy)

	_, err := c.FetchFileList(context.Background())
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchFileList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/file_list.json", r.URL.Path)
		_, _ = w.Write([]byte(`["a.txt", "dir/b.txt", "./lib/c.py"]`))
	}))
	defer srv.Close()

	m, err := NewClient(newRemote(srv.URL), singleAttempt()).FetchFileList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Manifest{"a.txt", "dir/b.txt", "lib/c.py"}, m)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		expected Manifest
		valid    bool
	}{
		{name: "null", data: `null`},
		{name: "empty list", data: `[]`},
		{name: "single file", data: `["main.py"]`, expected: Manifest{"main.py"}, valid: true},
		{name: "order kept", data: `["z.txt","a.txt"]`, expected: Manifest{"z.txt", "a.txt"}, valid: true},
		{name: "backslashes", data: `["dir\\b.txt"]`, expected: Manifest{"dir/b.txt"}, valid: true},
		{name: "object instead of array", data: `{"files":[]}`},
		{name: "non string entry", data: `["a.txt", 3]`},
		{name: "absolute path", data: `["/etc/passwd"]`},
		{name: "parent escape", data: `["../boot.py"]`},
		{name: "nested parent escape", data: `["dir/../../boot.py"]`},
		{name: "empty path", data: `[""]`},
		{name: "dot", data: `["."]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.data))
			if !tt.valid {
				assert.ErrorIs(t, err, ErrManifestInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}
}
