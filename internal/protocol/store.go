package protocol

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/pkg/log"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists registered protocol manifests.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		panic("protocol store requires database")
	}
	return &Store{db: db}
}

// Register upserts a protocol manifest under its alias.
func (s *Store) Register(ctx context.Context, source []byte) (*models.Protocol, error) {
	def, err := Parse(source)
	if err != nil {
		return nil, errors.Wrap(err, "invalid protocol manifest")
	}

	record := &models.Protocol{
		ID:        uuid.New(),
		Alias:     def.Metadata.Alias,
		Source:    string(source),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "alias"}},
			DoUpdates: clause.AssignmentColumns([]string{"source", "updated_at"}),
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	var stored models.Protocol
	if err := s.db.WithContext(ctx).First(&stored, "alias = ?", def.Metadata.Alias).Error; err != nil {
		return nil, err
	}

	return &stored, nil
}

// Get loads and parses the manifest registered under alias.
func (s *Store) Get(ctx context.Context, alias string) (*models.Protocol, *Definition, error) {
	var record models.Protocol
	if err := s.db.WithContext(ctx).First(&record, "alias = ?", alias).Error; err != nil {
		return nil, nil, err
	}

	def, err := Parse([]byte(record.Source))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "stored manifest %q no longer parses", alias)
	}

	return &record, def, nil
}

// LoadDir registers every .yaml/.yml manifest found under dir.
func (s *Store) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read protocol directory %v", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}

		record, err := s.Register(ctx, data)
		if err != nil {
			return errors.Wrapf(err, "failed to register %v", entry.Name())
		}

		log.Info("registered protocol", "alias", record.Alias, "file", entry.Name())
	}

	return nil
}
