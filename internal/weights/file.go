package weights

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// File is the persisted form of a Model.
type File struct {
	EnforceProb bool                 `yaml:"enforce_prob"`
	NumFeatures int                  `yaml:"num_features"`
	Relations   map[string][]float64 `yaml:"relations"`
}

// Snapshot captures the raw weights of every relation.
func (m *Model) Snapshot() *File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := &File{
		EnforceProb: m.opts.EnforceProb,
		NumFeatures: m.opts.NumFeatures,
		Relations:   make(map[string][]float64, len(m.params)),
	}
	for rel, p := range m.params {
		f.Relations[rel] = append([]float64(nil), p.w...)
	}
	return f
}

// Apply loads the weights of every relation the model knows. Relations in the
// file that the model does not know are returned.
func (m *Model) Apply(f *File) ([]string, error) {
	var unknown []string
	rels := make([]string, 0, len(f.Relations))
	for rel := range f.Relations {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		err := m.SetWeight(rel, f.Relations[rel])
		if errors.IsNotFound(err) {
			unknown = append(unknown, rel)
			continue
		}
		if err != nil {
			return unknown, fmt.Errorf("relation %s: %w", rel, err)
		}
	}
	return unknown, nil
}

// SaveFile writes the model's weights as YAML.
func (m *Model) SaveFile(path string) error {
	data, err := yaml.Marshal(m.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadFile reads a YAML weights file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse weights file: %w", err)
	}
	return &f, nil
}

// Features holds precomputed rank-2 training features for one relation.
type Features struct {
	Relation     string      `json:"relation"`
	NumTemplates int         `json:"num_templates"`
	NumFeatures  int         `json:"num_features"`
	Rows         [][]float64 `json:"rows"`
}

// SaveFeatures writes features as JSON.
func SaveFeatures(path string, f *Features) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadFeatures reads a features file written by SaveFeatures.
func LoadFeatures(path string) (*Features, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read features file: %w", err)
	}
	var f Features
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse features file: %w", err)
	}
	if f.Relation == "" || f.NumTemplates < 1 {
		return nil, errors.ValidationError("features file needs a relation and a template count")
	}
	for i, row := range f.Rows {
		if len(row) != len(f.Rows[0]) {
			return nil, errors.TemplateShapeError(fmt.Sprintf("features row %d has %d columns, want %d", i, len(row), len(f.Rows[0])))
		}
	}
	return &f, nil
}

func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
