package trust

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DirectoryEntry is one principal supplied by the host's principal directory.
type DirectoryEntry struct {
	ID   string `yaml:"id" json:"id"`
	Kind Kind   `yaml:"kind" json:"kind"`
}

type directoryFile struct {
	Principals []DirectoryEntry `yaml:"principals"`
}

// LoadDirectory reads a YAML principal directory. A missing file yields an
// empty directory.
func LoadDirectory(path string) ([]DirectoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse principal directory %s: %w", path, err)
	}
	return f.Principals, nil
}

// Bootstrap establishes every directory entry. Existing principals are left
// as they are.
func (l *Ledger) Bootstrap(entries []DirectoryEntry) error {
	for _, e := range entries {
		if _, err := l.EstablishTrust(e.ID, e.Kind); err != nil {
			return fmt.Errorf("bootstrap %s: %w", e.ID, err)
		}
	}
	return nil
}
