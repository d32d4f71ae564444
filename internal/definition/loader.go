package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/accessworks/adaptflow/internal/graph"
	"github.com/accessworks/adaptflow/model"
)

// Loader scans directories for YAML workflow definition files, parses them,
// and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition

	for _, dir := range directories {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			// A configured directory that does not exist seeds nothing.
			continue
		}
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

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading file: %w", err)
	}

	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing yaml: %w", err)
	}
	if def.ID == "" {
		return model.WorkflowDefinition{}, fmt.Errorf("definition file %s has no id", path)
	}
	if def.Version == "" {
		return model.WorkflowDefinition{}, fmt.Errorf("definition %q has no version", def.ID)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = path
	return def, nil
}

// Seed loads definitions from the configured directories, validates each, and
// stores them as published so instances can start against them immediately.
// An (id, version) pair already published is left untouched; a defective seed
// file fails startup rather than being skipped silently.
func (s *Service) Seed(ctx context.Context, directories []string) (int, error) {
	loader := NewLoader()
	defs, err := loader.LoadAll(directories)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	seeded := 0
	for _, def := range defs {
		existing, err := s.store.Get(ctx, def.ID, def.Version)
		if err == nil && existing.Status == model.DefinitionStatusPublished {
			continue
		}

		if defects := graph.Validate(&def); len(defects) > 0 {
			return seeded, fmt.Errorf("seed definition %s@%s (%s) has %d validation defects, first: %s %s",
				def.ID, def.Version, def.SourceFile, len(defects), defects[0].Code, defects[0].Message)
		}

		def.Status = model.DefinitionStatusPublished
		def.CreatedAt = now
		def.UpdatedAt = now
		if err := s.store.Put(ctx, def); err != nil {
			return seeded, err
		}
		seeded++

		s.logger.Info("seed definition published",
			zap.String("definition_id", def.ID),
			zap.String("version", def.Version),
			zap.String("source", def.SourceFile),
		)
	}
	return seeded, nil
}
