package workcell

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/pkg/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Document models a workcell YAML file: the assets arranged on the
// deck, machines and consumable resources alike.
type Document struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Assets     []AssetEntry `yaml:"assets"`
}

type AssetEntry struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Parse parses and validates a workcell document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	if doc.Kind != "Workcell" {
		return nil, fmt.Errorf("unsupported kind: %s", doc.Kind)
	}

	seen := map[string]struct{}{}
	for i, entry := range doc.Assets {
		if strings.TrimSpace(entry.Name) == "" {
			return nil, fmt.Errorf("assets[%d]: name is required", i)
		}
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("assets[%d]: duplicate name %q", i, entry.Name)
		}
		switch models.AssetKind(entry.Kind) {
		case models.AssetKindMachine, models.AssetKindResource:
		default:
			return nil, fmt.Errorf("assets[%d]: unknown kind %q", i, entry.Kind)
		}
		seen[entry.Name] = struct{}{}
	}

	return &doc, nil
}

// Bootstrap loads the workcell file and upserts its assets. New
// assets start available; existing assets keep their current status.
func Bootstrap(ctx context.Context, db *gorm.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read workcell file %v", path)
	}

	doc, err := Parse(data)
	if err != nil {
		return errors.Wrap(err, "invalid workcell file")
	}

	for _, entry := range doc.Assets {
		asset := &models.Asset{
			ID:           uuid.New(),
			Name:         entry.Name,
			Kind:         models.AssetKind(entry.Kind),
			Status:       models.AssetStatusAvailable,
			Capabilities: datatypes.NewJSONSlice(entry.Capabilities),
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}

		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"kind", "capabilities", "updated_at"}),
			}).
			Create(asset).Error
		if err != nil {
			return errors.Wrapf(err, "failed to upsert asset %v", entry.Name)
		}
	}

	log.Info("workcell bootstrapped", "assets", len(doc.Assets))
	return nil
}
