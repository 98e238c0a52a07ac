package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/version"
)

var validate = validator.New()

// Resolver maps a test case id to its script.
type Resolver interface {
	Resolve(ctx context.Context, testCaseID int64) (*Script, error)
}

// Manifest is the on-disk catalogue of test scripts.
//
//	requires: ">= 0.3"
//	test_cases:
//	  - id: 1
//	    name: login
//	    kind: shell
//	    command: ./scripts/login.sh
//	    timeout_seconds: 60
type Manifest struct {
	// Requires is a semver constraint on the testpulse release reading it.
	Requires  string   `json:"requires,omitempty" yaml:"requires,omitempty" toml:"requires,omitempty"`
	TestCases []Script `json:"test_cases" yaml:"test_cases" toml:"test_cases" validate:"dive"`
}

// ParseManifest decodes a manifest. format is "yaml" or "toml".
func ParseManifest(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errors.WrapValidation(err, "failed to parse YAML manifest")
		}
	case "toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, errors.WrapValidation(err, "failed to parse TOML manifest")
		}
	default:
		return nil, errors.NewValidationError("unsupported manifest format %q", format)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest, picking the format from the file extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	m, err := ParseManifest(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	return m, nil
}

// Validate checks every entry and rejects duplicate ids.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return errors.WrapValidation(err, "invalid manifest")
	}
	if err := version.Satisfies(m.Requires); err != nil {
		return err
	}
	seen := make(map[int64]bool, len(m.TestCases))
	for i := range m.TestCases {
		s := &m.TestCases[i]
		if seen[s.TestCaseID] {
			return errors.NewValidationError("test case %d listed twice", s.TestCaseID)
		}
		seen[s.TestCaseID] = true

		if s.Kind == KindSteps {
			if len(s.Steps) == 0 {
				return errors.NewValidationError("test case %d: steps kind needs at least one step", s.TestCaseID)
			}
		} else if strings.TrimSpace(s.Command) == "" {
			return errors.NewValidationError("test case %d: command is required", s.TestCaseID)
		}
	}
	return nil
}

// ManifestResolver resolves scripts from a manifest file. Reload re-reads it.
type ManifestResolver struct {
	path    string
	mu      sync.RWMutex
	scripts map[int64]*Script
}

// NewManifestResolver loads path.
func NewManifestResolver(path string) (*ManifestResolver, error) {
	r := &ManifestResolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the manifest. On error the previous contents stay active.
func (r *ManifestResolver) Reload() error {
	m, err := LoadManifest(r.path)
	if err != nil {
		return err
	}
	scripts := make(map[int64]*Script, len(m.TestCases))
	for i := range m.TestCases {
		s := m.TestCases[i]
		scripts[s.TestCaseID] = &s
	}

	r.mu.Lock()
	r.scripts = scripts
	r.mu.Unlock()
	return nil
}

// Resolve implements Resolver.
func (r *ManifestResolver) Resolve(_ context.Context, testCaseID int64) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[testCaseID]
	if !ok {
		return nil, errors.NewNotFoundError("no script for test case %d in %s", testCaseID, r.path)
	}
	copied := *s
	return &copied, nil
}

// IDs returns every test case id the manifest knows.
func (r *ManifestResolver) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.scripts))
	for id := range r.scripts {
		ids = append(ids, id)
	}
	return ids
}

// StaticResolver resolves from an in-memory map.
type StaticResolver map[int64]*Script

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, testCaseID int64) (*Script, error) {
	s, ok := r[testCaseID]
	if !ok {
		return nil, errors.NewNotFoundError("no script for test case %d", testCaseID)
	}
	copied := *s
	return &copied, nil
}
