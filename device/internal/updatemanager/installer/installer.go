package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/device/internal/restart"
	"github.com/weighstation/weighstation/device/internal/storage"
	"github.com/weighstation/weighstation/version"
)

// ErrInstallationFailure means the swap broke half way. There is no rollback:
// the active install may be incomplete until someone intervenes.
var ErrInstallationFailure = errors.New("installation failure")

// Outcome is the result of an install attempt that did not fail
type Outcome int

const (
	// NothingToInstall means no complete staging area exists
	NothingToInstall Outcome = iota
	// AlreadyUpToDate means the staged release is not newer than the active one
	AlreadyUpToDate
	// Installed means the swap happened and the restart was triggered
	Installed
)

func (o Outcome) String() string {
	switch o {
	case NothingToInstall:
		return "nothing to install"
	case AlreadyUpToDate:
		return "already up to date"
	case Installed:
		return "installed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Installer struct {
	storage   storage.Provider
	layout    config.Layout
	markers   *version.Store
	results   *ResultHandler
	restarter restart.Restarter
	now       func() time.Time
}

func New(store storage.Provider, layout config.Layout, restarter restart.Restarter) *Installer {
	return &Installer{
		storage:   store,
		layout:    layout,
		markers:   version.NewStore(store),
		results:   NewResultHandler(store),
		restarter: restarter,
		now:       time.Now,
	}
}

// Results gives access to the record of the last install
func (i *Installer) Results() *ResultHandler {
	return i.results
}

// Staged returns the version of the complete staging area, ok is false when
// the staging marker is missing
func (i *Installer) Staged() (v version.Version, ok bool) {
	if !i.storage.Exists(i.layout.StagingMarker()) {
		return version.Min, false
	}
	return i.markers.Read(i.layout.StagingMarker()), true
}

// Active returns the version of the running install
func (i *Installer) Active() version.Version {
	return i.markers.Read(i.layout.ActiveMarker())
}

// InstallIfNewer replaces the active install with the staging area when the
// staged version is strictly greater than the active one, then restarts.
func (i *Installer) InstallIfNewer(ctx context.Context) (Outcome, error) {
	staged, ok := i.Staged()
	if !ok {
		log.Debugf("no staging marker at %s", i.layout.StagingMarker())
		return NothingToInstall, nil
	}

	active := i.Active()
	if !staged.GreaterThan(active) {
		log.Infof("staged version %s is not newer than active version %s", staged, active)
		return AlreadyUpToDate, nil
	}

	if err := ctx.Err(); err != nil {
		return NothingToInstall, err
	}

	log.Infof("installing %s over %s", staged, active)

	if err := i.swap(); err != nil {
		i.writeResult(Result{
			Success:         false,
			Version:         staged.String(),
			PreviousVersion: active.String(),
			Error:           err.Error(),
			ExecutedAt:      i.now(),
		})
		return NothingToInstall, fmt.Errorf("%w: %w", ErrInstallationFailure, err)
	}

	i.writeResult(Result{
		Success:         true,
		Version:         staged.String(),
		PreviousVersion: active.String(),
		ExecutedAt:      i.now(),
	})

	log.Infof("installed %s, restarting", staged)
	i.restarter.Restart()

	return Installed, nil
}

// swap is the only step of an update that can not be retried
func (i *Installer) swap() error {
	if err := storage.RemoveTree(i.storage, i.layout.ActiveRoot); err != nil {
		return fmt.Errorf("remove active install: %w", err)
	}

	if err := i.storage.Rename(i.layout.StagingRoot, i.layout.ActiveRoot); err != nil {
		return fmt.Errorf("move staging area into place: %w", err)
	}

	return nil
}

func (i *Installer) writeResult(result Result) {
	if err := i.results.Write(result); err != nil {
		log.Warnf("failed to record install result: %v", err)
	}
}
