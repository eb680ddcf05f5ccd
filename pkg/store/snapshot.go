package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// snapshotFile is the on-disk name of a store snapshot inside its data dir.
const snapshotFile = "rides.snapshot.zst"

// writeSnapshot persists the full ride set as zstd-compressed JSON. The file
// is written to a temp path and renamed so a crash never leaves a truncated
// snapshot behind.
func writeSnapshot(dir string, rides []*ride.Ride) error {
	path := filepath.Join(dir, snapshotFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	if err := json.NewEncoder(enc).Encode(rides); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// readSnapshot loads a previously written snapshot. A missing file yields an
// empty ride set, not an error.
func readSnapshot(dir string) ([]*ride.Ride, error) {
	path := filepath.Join(dir, snapshotFile)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	var rides []*ride.Ride
	if err := json.NewDecoder(dec).Decode(&rides); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return rides, nil
}
