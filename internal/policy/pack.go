package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Pack is a file of extra behavior signatures dropped into the packs
// directory. Packs never change trust levels or modes.
type Pack struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	PackVersion string      `yaml:"version"`
	Author      string      `yaml:"author"`
	Requires    string      `yaml:"requires,omitempty"`
	Signatures  []Signature `yaml:"signatures"`
}

// PackInfo is a summary of a pack for listing.
type PackInfo struct {
	Name           string
	Description    string
	Version        string
	Author         string
	Enabled        bool
	Path           string
	SignatureCount int
	Skipped        int
	Err            error
}

// LoadPacks reads all .yaml files from the packs directory and merges their
// signatures into a copy of base. Files prefixed with an underscore are
// listed but not merged. A signature whose id is already present is
// skipped, so base signatures and earlier packs win.
func LoadPacks(packsDir string, base *Policy) (*Policy, []PackInfo, error) {
	var infos []PackInfo

	entries, err := os.ReadDir(packsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil, nil
		}
		return nil, nil, err
	}

	result := clonePolicy(base)

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}

		path := filepath.Join(packsDir, entry.Name())

		// Check if pack is disabled (prefixed with underscore)
		baseName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		enabled := !strings.HasPrefix(baseName, "_")

		pack, err := loadPack(path, base.Version)
		if err != nil {
			infos = append(infos, PackInfo{
				Name:    baseName,
				Enabled: false,
				Path:    path,
				Err:     err,
			})
			continue
		}

		info := PackInfo{
			Name:           pack.Name,
			Description:    pack.Description,
			Version:        pack.PackVersion,
			Author:         pack.Author,
			Enabled:        enabled,
			Path:           path,
			SignatureCount: len(pack.Signatures),
		}
		if info.Name == "" {
			info.Name = baseName
		}

		if enabled {
			info.Skipped = mergePackInto(result, pack)
		}
		infos = append(infos, info)
	}

	if err := result.Validate(); err != nil {
		return nil, infos, fmt.Errorf("merged policy: %w", err)
	}
	return result, infos, nil
}

func loadPack(path, policyVersion string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse pack %s: %w", path, err)
	}

	if pack.PackVersion != "" {
		if _, err := semver.NewVersion(pack.PackVersion); err != nil {
			return nil, fmt.Errorf("pack %s: invalid version %q: %w", path, pack.PackVersion, err)
		}
	}
	if pack.Requires != "" {
		c, err := semver.NewConstraint(pack.Requires)
		if err != nil {
			return nil, fmt.Errorf("pack %s: invalid requires %q: %w", path, pack.Requires, err)
		}
		v, err := semver.NewVersion(policyVersion)
		if err != nil || !c.Check(v) {
			return nil, fmt.Errorf("pack %s requires policy %s, have %s", path, pack.Requires, policyVersion)
		}
	}

	return &pack, nil
}

// mergePackInto appends the pack's signatures and returns how many were
// skipped as duplicates.
func mergePackInto(target *Policy, pack *Pack) int {
	existing := make(map[string]bool, len(target.Signatures))
	for _, s := range target.Signatures {
		existing[s.ID] = true
	}

	skipped := 0
	for _, s := range pack.Signatures {
		if existing[s.ID] {
			skipped++
			continue
		}
		existing[s.ID] = true
		target.Signatures = append(target.Signatures, s)
	}
	return skipped
}

func clonePolicy(p *Policy) *Policy {
	clone := &Policy{
		Version:  p.Version,
		Defaults: p.Defaults,
	}
	clone.Defaults.RedactPatterns = append([]string(nil), p.Defaults.RedactPatterns...)
	clone.TrustLevels = append([]TrustLevel(nil), p.TrustLevels...)
	clone.Modes = append([]Mode(nil), p.Modes...)
	clone.Signatures = append([]Signature(nil), p.Signatures...)
	return clone
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
