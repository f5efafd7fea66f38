package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/device/internal/updatemanager/downloader"
	"github.com/weighstation/weighstation/version"
)

// maxDocumentSize bounds the version and file list documents
const maxDocumentSize = 64 * 1024

var (
	// ErrRemoteUnavailable is returned when the release server could not be reached
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrManifestInvalid is returned when a release document is malformed
	ErrManifestInvalid = errors.New("remote manifest invalid")
)

// Manifest is the ordered list of relative paths composing one release
type Manifest []string

type versionDocument struct {
	Version *string `json:"version"`
}

// Client fetches the release descriptors from the update server
type Client struct {
	remote  config.Remote
	fetcher *downloader.Fetcher
}

type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
}

// WithHTTPClient replaces the default http client
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

func NewClient(remote config.Remote, policy config.RetryPolicy, opts ...Option) *Client {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		remote:  remote,
		fetcher: downloader.NewFetcher(o.httpClient, policy),
	}
}

// FetchLatestVersion returns the version published by the update server
func (c *Client) FetchLatestVersion(ctx context.Context) (version.Version, error) {
	url, err := c.remote.VersionURL()
	if err != nil {
		return version.Min, fmt.Errorf("%w: version url: %w", ErrRemoteUnavailable, err)
	}

	data, err := c.fetch(ctx, url)
	if err != nil {
		return version.Min, err
	}

	var doc versionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return version.Min, fmt.Errorf("%w: version document: %w", ErrManifestInvalid, err)
	}

	if doc.Version == nil || strings.TrimSpace(*doc.Version) == "" {
		return version.Min, fmt.Errorf("%w: version document has no version", ErrManifestInvalid)
	}

	latest := version.New(*doc.Version)
	if !latest.Comparable() {
		return version.Min, fmt.Errorf("%w: %q is not a version", ErrManifestInvalid, *doc.Version)
	}
	log.Debugf("latest published version is %s", latest)
	return latest, nil
}

// FetchFileList returns the files of the published release
func (c *Client) FetchFileList(ctx context.Context) (Manifest, error) {
	url, err := c.remote.FileListURL()
	if err != nil {
		return nil, fmt.Errorf("%w: file list url: %w", ErrRemoteUnavailable, err)
	}

	data, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	data, err := c.fetcher.ToMemory(ctx, url, maxDocumentSize+1)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, url, err)
	}

	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrManifestInvalid, url, maxDocumentSize)
	}

	return data, nil
}

// Parse decodes a file list document: a non-empty JSON array of paths relative
// to the release root. Absolute paths and paths leaving the root are rejected.
func Parse(data []byte) (Manifest, error) {
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("%w: file list: %w", ErrManifestInvalid, err)
	}

	// null decodes without error, and an empty release would replace the
	// active install with nothing
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: file list has no files", ErrManifestInvalid)
	}

	m := make(Manifest, 0, len(paths))
	for _, p := range paths {
		clean, err := cleanPath(p)
		if err != nil {
			return nil, err
		}
		m = append(m, clean)
	}

	return m, nil
}

func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path in file list", ErrManifestInvalid)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q in file list", ErrManifestInvalid, p)
	}

	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path %q leaves the release root", ErrManifestInvalid, p)
	}

	return clean, nil
}
