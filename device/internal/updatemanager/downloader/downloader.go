package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/device/internal/storage"
	"github.com/weighstation/weighstation/version"
)

var (
	// ErrFileDownloadFailed marks a single release file that could not be fetched
	ErrFileDownloadFailed = errors.New("file download failed")
	// ErrStagingAborted is returned when the abort policy discarded the staging area
	ErrStagingAborted = errors.New("staging aborted")
	// ErrReservedPath is returned for a release listing a file that would
	// overwrite the staging marker
	ErrReservedPath = errors.New("release file shadows the staging marker")
)

// FileResult is the outcome of one manifest entry
type FileResult struct {
	Path  string
	Bytes int64
	Err   error
}

func (r FileResult) OK() bool {
	return r.Err == nil
}

// Outcome lists what happened to every manifest entry of a download cycle
type Outcome struct {
	Version version.Version
	Files   []FileResult
	// Marked is set once the staging marker has been written
	Marked bool
}

// Failed returns the entries that did not arrive
func (o *Outcome) Failed() []FileResult {
	var failed []FileResult
	for _, f := range o.Files {
		if !f.OK() {
			failed = append(failed, f)
		}
	}
	return failed
}

// Err aggregates the per-file failures, nil when every file arrived
func (o *Outcome) Err() error {
	var merr *multierror.Error
	for _, f := range o.Failed() {
		merr = multierror.Append(merr, f.Err)
	}
	return merr.ErrorOrNil()
}

// Downloader materializes a release into the staging area
type Downloader struct {
	remote  config.Remote
	layout  config.Layout
	storage storage.Provider
	markers *version.Store
	fetcher *Fetcher
	policy  config.FailurePolicy
	limiter *rate.Limiter

	httpClient *http.Client
	retry      config.RetryPolicy
}

type Option func(*Downloader)

// WithHTTPClient replaces the default http client
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.httpClient = client
	}
}

// WithFailurePolicy selects what happens to a release with missing files
func WithFailurePolicy(policy config.FailurePolicy) Option {
	return func(d *Downloader) {
		d.policy = policy
	}
}

// WithPacing limits the rate of file requests, yielding to the rest of the
// device between files. Zero or less disables pacing.
func WithPacing(filesPerSecond float64) Option {
	return func(d *Downloader) {
		if filesPerSecond <= 0 {
			d.limiter = nil
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(filesPerSecond), 1)
	}
}

func New(remote config.Remote, layout config.Layout, store storage.Provider, retry config.RetryPolicy, opts ...Option) *Downloader {
	d := &Downloader{
		remote:  remote,
		layout:  layout,
		storage: store,
		markers: version.NewStore(store),
		policy:  config.BestEffort,
		retry:   retry,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.fetcher = NewFetcher(d.httpClient, d.retry)
	return d
}

// DownloadRelease fetches every file of the release into a fresh staging area
// and, once all entries have been processed, writes the staging marker with v.
//
// A file that can not be fetched is recorded in the outcome and the cycle goes
// on. With the best-effort policy the marker is written anyway, so a partial
// release can be installed; with the abort policy the staging area is removed
// and ErrStagingAborted returned. Storage failures always end the cycle without
// a marker. A release listing the marker itself is refused with
// ErrReservedPath before the staging area is touched.
func (d *Downloader) DownloadRelease(ctx context.Context, files []string, v version.Version) (*Outcome, error) {
	outcome := &Outcome{Version: v, Files: make([]FileResult, 0, len(files))}

	if err := d.checkReserved(files); err != nil {
		return outcome, err
	}

	if err := d.storage.RemoveAll(d.layout.StagingRoot); err != nil {
		return outcome, fmt.Errorf("clear staging area: %w", err)
	}
	if err := d.storage.Mkdir(d.layout.StagingRoot); err != nil {
		return outcome, fmt.Errorf("create staging area: %w", err)
	}

	log.Infof("staging release %s, %d files", v, len(files))

	for _, relPath := range files {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return outcome, fmt.Errorf("download interrupted: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("download interrupted: %w", err)
		}

		result, err := d.downloadFile(ctx, relPath)
		if err != nil {
			return outcome, err
		}
		outcome.Files = append(outcome.Files, result)
	}

	if failed := outcome.Failed(); len(failed) > 0 {
		if d.policy == config.Abort {
			log.Warnf("%d of %d files missing, discarding staged release %s", len(failed), len(files), v)
			if err := d.storage.RemoveAll(d.layout.StagingRoot); err != nil {
				log.Errorf("failed to discard staging area: %v", err)
			}
			return outcome, fmt.Errorf("%w: %w", ErrStagingAborted, outcome.Err())
		}
		log.Warnf("%d of %d files missing, staging release %s anyway", len(failed), len(files), v)
	}

	if err := d.markers.Write(d.layout.StagingMarker(), v); err != nil {
		return outcome, fmt.Errorf("write staging marker: %w", err)
	}
	outcome.Marked = true

	log.Infof("release %s staged", v)
	return outcome, nil
}

// downloadFile returns an error only when the cycle has to stop. A file that
// could not be fetched is reported through the result.
func (d *Downloader) downloadFile(ctx context.Context, relPath string) (FileResult, error) {
	result := FileResult{Path: relPath}

	url, err := d.remote.FileURL(relPath)
	if err != nil {
		result.Err = fmt.Errorf("%w: %s: %w", ErrFileDownloadFailed, relPath, err)
		return result, nil
	}

	dst := filepath.Join(d.layout.StagingRoot, filepath.FromSlash(relPath))

	err = d.fetcher.Do(ctx, url, func(body io.Reader) error {
		n, err := d.storage.Write(dst, body)
		result.Bytes = n
		if isStorageFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil {
		log.Debugf("downloaded %s (%d bytes)", relPath, result.Bytes)
		return result, nil
	}

	if isStorageFailure(err) {
		return result, fmt.Errorf("stage %s: %w", relPath, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("download interrupted: %w", ctxErr)
	}

	// drop whatever part of the body made it to flash
	if rmErr := d.storage.Remove(dst); rmErr != nil && !errors.Is(rmErr, storage.ErrNotFound) {
		log.Warnf("failed to remove partial file %s: %v", dst, rmErr)
	}

	log.Warnf("failed to download %s: %v", relPath, err)
	result.Bytes = 0
	result.Err = fmt.Errorf("%w: %s: %w", ErrFileDownloadFailed, relPath, err)
	return result, nil
}

// checkReserved refuses entries landing on the staging marker or its temp
// file. Names are compared case-insensitively, flash filesystems often fold case.
func (d *Downloader) checkReserved(files []string) error {
	reserved := []string{d.layout.MarkerName, d.layout.MarkerName + version.TmpSuffix}
	for _, relPath := range files {
		clean := path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
		for _, name := range reserved {
			if strings.EqualFold(clean, name) {
				return fmt.Errorf("%w: %s", ErrReservedPath, relPath)
			}
		}
	}
	return nil
}

func isStorageFailure(err error) bool {
	return errors.Is(err, storage.ErrStorageFull) || errors.Is(err, storage.ErrWrite)
}
