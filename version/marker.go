package version

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// TmpSuffix is appended to a marker path while a new marker is being written
const TmpSuffix = ".tmp"

// Storage is the part of the device storage the marker store needs
type Storage interface {
	Read(path string) ([]byte, error)
	Write(path string, r io.Reader) (int64, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
}

type marker struct {
	Version string `json:"version"`
}

// Store reads and writes version markers, the small {"version": token}
// documents kept next to the active and the staged install
type Store struct {
	storage Storage
}

func NewStore(storage Storage) *Store {
	return &Store{storage: storage}
}

// Read returns the version recorded at path. A missing, unreadable or malformed
// marker is reported as Min: no history means every release is newer.
func (s *Store) Read(path string) Version {
	data, err := s.storage.Read(path)
	if err != nil {
		log.Debugf("no version marker at %s: %v", path, err)
		return Min
	}

	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warnf("malformed version marker at %s: %v", path, err)
		return Min
	}

	if m.Version == "" {
		log.Warnf("version marker at %s has no version", path)
		return Min
	}

	return New(m.Version)
}

// Write records v at path. The marker is written next to its final location
// and renamed into place, so a reader never observes a half written marker.
func (s *Store) Write(path string, v Version) error {
	data, err := json.Marshal(marker{Version: v.String()})
	if err != nil {
		return fmt.Errorf("marshal version marker: %w", err)
	}

	tmpPath := path + TmpSuffix
	if _, err := s.storage.Write(tmpPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}

	if err := s.storage.Rename(tmpPath, path); err != nil {
		if rmErr := s.storage.Remove(tmpPath); rmErr != nil {
			log.Warnf("failed to remove temp version marker %s: %v", tmpPath, rmErr)
		}
		return fmt.Errorf("commit version marker: %w", err)
	}

	return nil
}
