package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/models"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SampleProtocol is a baseline manifest used across protocol and
// scheduler tests.
const SampleProtocol = `
apiVersion: v1
kind: Protocol
metadata:
  alias: plate-prep
assets:
  - ref: handler
    kind: machine
    capability: liquid_handling
  - ref: plate
    kind: resource
    capability: microplate
steps:
  - name: aspirate
    targets: [handler, plate]
    parameters:
      volume_ul: 50
  - name: dispense
    targets: [handler, plate]
    parameters:
      volume_ul: 50
  - name: seal
    targets: [plate]
`

// OpenTestDB returns an in-memory sqlite DB with migrations applied.
func OpenTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}

	if err := db.AutoMigrate(models.All...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}

	// A single connection keeps the in-memory database serialized, so
	// concurrent test goroutines never see SQLITE_BUSY.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	return db
}

// CloseDB closes the underlying sql.DB if available.
func CloseDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// MakeAsset inserts an available asset and returns it.
func MakeAsset(tb testing.TB, db *gorm.DB, name string, kind models.AssetKind, capabilities ...string) *models.Asset {
	tb.Helper()

	asset := &models.Asset{
		ID:           uuid.New(),
		Name:         name,
		Kind:         kind,
		Status:       models.AssetStatusAvailable,
		Capabilities: datatypes.NewJSONSlice(capabilities),
	}
	if err := db.Create(asset).Error; err != nil {
		tb.Fatalf("create asset: %v", err)
	}

	return asset
}
