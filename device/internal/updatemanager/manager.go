package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/device/internal/connectivity"
	"github.com/weighstation/weighstation/device/internal/restart"
	"github.com/weighstation/weighstation/device/internal/storage"
	"github.com/weighstation/weighstation/device/internal/updatemanager/downloader"
	"github.com/weighstation/weighstation/device/internal/updatemanager/installer"
	"github.com/weighstation/weighstation/device/internal/updatemanager/manifest"
	"github.com/weighstation/weighstation/device/internal/updatemanager/metrics"
	"github.com/weighstation/weighstation/version"
)

var (
	// ErrBusy is returned when an update operation is already running
	ErrBusy = errors.New("update already in progress")

	ErrRemoteUnavailable   = manifest.ErrRemoteUnavailable
	ErrManifestInvalid     = manifest.ErrManifestInvalid
	ErrFileDownloadFailed  = downloader.ErrFileDownloadFailed
	ErrStagingAborted      = downloader.ErrStagingAborted
	ErrInstallationFailure = installer.ErrInstallationFailure
)

type manifestClient interface {
	FetchLatestVersion(ctx context.Context) (version.Version, error)
	FetchFileList(ctx context.Context) (manifest.Manifest, error)
}

type stagingDownloader interface {
	DownloadRelease(ctx context.Context, files []string, v version.Version) (*downloader.Outcome, error)
}

// Manager drives the update engine: check, stage, swap and resume. Its
// operations are not reentrant, a call made while another one runs fails
// with ErrBusy.
type Manager struct {
	cfg     *config.Config
	storage storage.Provider

	connectivity connectivity.Provider
	manifest     manifestClient
	downloader   stagingDownloader
	installer    *installer.Installer
	metrics      *metrics.Metrics
	httpClient   *http.Client

	opMu sync.Mutex

	stateMu sync.Mutex
	state   State

	lastResult   installer.Result
	lastResultOK bool
}

type Option func(*Manager)

// WithConnectivity replaces the TCP probe of the update server
func WithConnectivity(provider connectivity.Provider) Option {
	return func(m *Manager) {
		m.connectivity = provider
	}
}

// WithMetrics records the engine activity
func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mtr
	}
}

// WithHTTPClient replaces the client used for every request
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// NewManager wires the update engine from an explicit configuration
func NewManager(cfg *config.Config, store storage.Provider, restarter restart.Restarter, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		storage: store,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.httpClient == nil {
		m.httpClient = &http.Client{Transport: m.metrics.RoundTripper(http.DefaultTransport)}
	}

	if m.connectivity == nil {
		probe, err := connectivity.NewTCPProbe(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("connectivity probe: %w", err)
		}
		m.connectivity = probe
	}

	m.manifest = manifest.NewClient(cfg.Remote, cfg.ManifestRetry, manifest.WithHTTPClient(m.httpClient))
	m.downloader = downloader.New(cfg.Remote, cfg.Layout, store, cfg.DownloadRetry,
		downloader.WithHTTPClient(m.httpClient),
		downloader.WithFailurePolicy(cfg.FailurePolicy),
		downloader.WithPacing(cfg.FilesPerSecond),
	)
	m.installer = installer.New(store, cfg.Layout, restarter)
	m.metrics.SetState(m.state.String(), allStates())

	return m, nil
}

// State returns the current state of the engine
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = state
	m.stateMu.Unlock()

	if prev != state {
		log.Tracef("update state %s -> %s", prev, state)
		m.metrics.SetState(state.String(), allStates())
	}
}

// ActiveVersion returns the version of the running install
func (m *Manager) ActiveVersion() version.Version {
	return m.installer.Active()
}

// LastResult returns the install result found by ResumeOnBoot
func (m *Manager) LastResult() (installer.Result, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastResult, m.lastResultOK
}

// CheckOnly reports whether the update server publishes a version newer than
// the active one. Nothing is written.
func (m *Manager) CheckOnly(ctx context.Context) (bool, error) {
	if !m.opMu.TryLock() {
		return false, ErrBusy
	}
	defer m.opMu.Unlock()
	defer m.setState(StateIdle)

	m.setState(StateChecking)

	latest, active, err := m.compareVersions(ctx)
	if err != nil {
		if errors.Is(err, ErrManifestInvalid) {
			log.Warnf("ignoring update: %v", err)
			return false, nil
		}
		return false, err
	}

	return latest.GreaterThan(active), nil
}

// DownloadAndInstall stages the latest release when it is newer than the
// active one and swaps it in. It returns true when the install happened and
// the restart was triggered.
func (m *Manager) DownloadAndInstall(ctx context.Context) (bool, error) {
	if !m.opMu.TryLock() {
		return false, ErrBusy
	}
	defer m.opMu.Unlock()
	defer m.setState(StateIdle)

	m.setState(StateChecking)

	latest, active, err := m.compareVersions(ctx)
	if err != nil {
		if errors.Is(err, ErrManifestInvalid) {
			log.Warnf("ignoring update: %v", err)
			return false, nil
		}
		return false, err
	}

	if !latest.GreaterThan(active) {
		return false, nil
	}

	m.setState(StateDownloading)

	files, err := m.manifest.FetchFileList(ctx)
	if err != nil {
		m.metrics.RecordCheck(checkResult(err))
		if errors.Is(err, ErrManifestInvalid) {
			log.Warnf("ignoring update %s: %v", latest, err)
			return false, nil
		}
		return false, fmt.Errorf("fetch file list: %w", err)
	}

	outcome, err := m.downloader.DownloadRelease(ctx, files, latest)
	if errors.Is(err, downloader.ErrReservedPath) {
		m.metrics.RecordCheck("invalid")
		log.Warnf("ignoring update %s: %v", latest, err)
		return false, nil
	}
	if outcome != nil && !outcome.Marked {
		m.metrics.RecordFileFailures(len(outcome.Failed()))
	}
	if err != nil {
		return false, fmt.Errorf("stage release %s: %w", latest, err)
	}
	m.metrics.RecordStaged(len(outcome.Failed()))

	if failed := outcome.Failed(); len(failed) > 0 {
		log.Warnf("release %s staged without %d files: %v", latest, len(failed), outcome.Err())
	}

	m.setState(StateStaged)

	return m.install(ctx)
}

// ResumeOnBoot finishes an install interrupted between staging and swap. It
// never touches the network and must run before any other operation. Calling
// it again after a completed swap reports AlreadyUpToDate.
func (m *Manager) ResumeOnBoot(ctx context.Context) (installer.Outcome, error) {
	if !m.opMu.TryLock() {
		return installer.NothingToInstall, ErrBusy
	}
	defer m.opMu.Unlock()
	defer m.setState(StateIdle)

	m.loadLastResult()

	if staged, ok := m.installer.Staged(); ok {
		log.Infof("found staged release %s", staged)
		m.setState(StateStaged)
	}

	m.setState(StateInstalling)
	outcome, err := m.installer.InstallIfNewer(ctx)
	if err != nil {
		m.metrics.RecordInstall("failed")
		return outcome, err
	}

	if outcome == installer.NothingToInstall && m.installConfirmed() {
		outcome = installer.AlreadyUpToDate
	}

	m.metrics.RecordInstall(installResult(outcome))
	return outcome, nil
}

// Run resumes an interrupted install, then runs update cycles every interval
// until ctx is done. It stops early on an installation failure, the device
// needs attention at that point.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if _, err := m.ResumeOnBoot(ctx); err != nil {
		return fmt.Errorf("resume on boot: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		installed, err := m.DownloadAndInstall(ctx)
		switch {
		case IsHardFailure(err):
			return err
		case err != nil && ctx.Err() == nil:
			log.Errorf("update cycle failed: %v", err)
		case installed:
			log.Infof("update installed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) install(ctx context.Context) (bool, error) {
	m.setState(StateInstalling)

	outcome, err := m.installer.InstallIfNewer(ctx)
	if err != nil {
		m.metrics.RecordInstall("failed")
		return false, err
	}

	m.metrics.RecordInstall(installResult(outcome))
	return outcome == installer.Installed, nil
}

func (m *Manager) compareVersions(ctx context.Context) (latest, active version.Version, err error) {
	if err := m.connectivity.EnsureConnected(ctx, m.cfg.ConnectTimeout.ToDuration()); err != nil {
		m.metrics.RecordCheck("unavailable")
		return version.Min, version.Min, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}

	latest, err = m.manifest.FetchLatestVersion(ctx)
	if err != nil {
		m.metrics.RecordCheck(checkResult(err))
		return version.Min, version.Min, err
	}
	m.metrics.SetAvailableVersion(latest.String())

	active = m.installer.Active()
	if !latest.GreaterThan(active) {
		log.Infof("current version %s is equal to or higher than published version %s", active, latest)
		m.metrics.RecordCheck("up_to_date")
		return latest, active, nil
	}

	log.Infof("update available, current version: %s, published version: %s", active, latest)
	m.metrics.RecordCheck("update_available")
	return latest, active, nil
}

func (m *Manager) loadLastResult() {
	result, ok, err := m.installer.Results().Read()
	if err != nil {
		log.Warnf("failed to read last install result: %v", err)
	}

	m.stateMu.Lock()
	m.lastResult, m.lastResultOK = result, ok
	m.stateMu.Unlock()

	if !ok {
		return
	}
	if result.Success {
		log.Infof("last install of %s (from %s) at %s succeeded", result.Version, result.PreviousVersion, result.ExecutedAt.Format(time.RFC3339))
		return
	}
	log.Errorf("last install of %s (from %s) at %s failed: %s", result.Version, result.PreviousVersion, result.ExecutedAt.Format(time.RFC3339), result.Error)

	// reported once, the next boot starts clean
	if err := m.installer.Results().Cleanup(); err != nil {
		log.Warnf("failed to remove install result: %v", err)
	}
}

// installConfirmed is true when no staging area is left and the running
// install is the one the last successful swap put in place
func (m *Manager) installConfirmed() bool {
	if m.storage.Exists(m.cfg.StagingRoot) {
		return false
	}

	result, ok := m.LastResult()
	if !ok || !result.Success {
		return false
	}

	return version.New(result.Version).Equal(m.installer.Active())
}

// IsHardFailure tells apart failures that left the active install in an
// unknown state from the ones a later retry can fix
func IsHardFailure(err error) bool {
	return errors.Is(err, ErrInstallationFailure)
}

func checkResult(err error) string {
	if errors.Is(err, ErrManifestInvalid) {
		return "invalid"
	}
	return "unavailable"
}

func installResult(outcome installer.Outcome) string {
	switch outcome {
	case installer.Installed:
		return "installed"
	case installer.AlreadyUpToDate:
		return "up_to_date"
	default:
		return "nothing_to_install"
	}
}
