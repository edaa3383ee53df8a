package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tarebo/maestro/model"
)

// Loader scans directories for YAML catalog files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new catalog Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a CatalogFile.
func (l *Loader) LoadAll(directories []string) ([]model.CatalogFile, error) {
	var catalogs []model.CatalogFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			cat, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			catalogs = append(catalogs, cat)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return catalogs, nil
}

// LoadFile loads and parses a single YAML catalog file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CatalogFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var cat model.CatalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return model.CatalogFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	cat.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	cat.SourceFile = path

	return cat, nil
}
