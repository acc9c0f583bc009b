package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"wakezilla/internal/model"
)

// writeAtomic serializes machines as indented JSON and publishes it to
// path by writing to a sibling temp file, fsyncing it, then renaming
// over the destination, so readers never observe a partial file.
func writeAtomic(path string, machines []model.Machine) error {
	data, err := json.MarshalIndent(machines, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// readFile loads the persisted machine list. A missing file is treated
// as an empty registry rather than an error, so a fresh deployment can
// start with no machines.json on disk.
func readFile(path string) ([]model.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	machines := make([]model.Machine, 0, len(raw))
	for i, entry := range raw {
		var m model.Machine
		if err := json.Unmarshal(entry, &m); err != nil {
			log.Warn().Err(err).Int("index", i).Msg("dropping malformed machine entry on load")
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}
