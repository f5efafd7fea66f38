package installer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/weighstation/weighstation/device/internal/storage"
)

// ResultFile is the record of the last install, kept outside both layout roots
const ResultFile = ".ota-result.json"

// Result describes the last install attempt. It is written right before the
// restart and read by the next boot.
type Result struct {
	Success         bool
	Version         string
	PreviousVersion string
	Error           string `json:",omitempty"`
	ExecutedAt      time.Time
}

// ResultHandler handles reading and writing install results
type ResultHandler struct {
	storage    storage.Provider
	resultFile string
}

func NewResultHandler(store storage.Provider) *ResultHandler {
	return &ResultHandler{
		storage:    store,
		resultFile: ResultFile,
	}
}

// Write stores the install result, replacing the previous one
func (rh *ResultHandler) Write(result Result) error {
	log.Debugf("write out install result to: %s", rh.resultFile)

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	// Write to a temporary file first, then rename for atomic operation
	tmpPath := rh.resultFile + ".tmp"
	if _, err := rh.storage.Write(tmpPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if err := rh.storage.Rename(tmpPath, rh.resultFile); err != nil {
		if cleanupErr := rh.storage.Remove(tmpPath); cleanupErr != nil {
			log.Warnf("failed to remove temp result file: %v", cleanupErr)
		}
		return fmt.Errorf("commit result: %w", err)
	}

	return nil
}

// Read returns the last install result; ok is false when there is none
func (rh *ResultHandler) Read() (result Result, ok bool, err error) {
	data, err := rh.storage.Read(rh.resultFile)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false, fmt.Errorf("invalid result format: %w", err)
	}

	return result, true, nil
}

// Cleanup removes the result file if it exists
func (rh *ResultHandler) Cleanup() error {
	err := rh.storage.Remove(rh.resultFile)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	log.Debugf("delete install result file: %s", rh.resultFile)
	return nil
}
