package db

import (
	_ "github.com/jackc/pgx/v4"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/pkg/env"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a database connection based on the
// processed environment variables.
func Connect() (*gorm.DB, error) {
	return Open(env.Variables().DatabaseType, env.Variables().DatabaseDSN)
}

// Open opens a database connection for the given type
// and DSN.
func Open(databaseType, dsn string) (*gorm.DB, error) {
	var (
		gdb *gorm.DB
		err error
		cfg = &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		}
	)

	switch databaseType {
	case "postgres":
		gdb, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		fallthrough
	default:
		gdb, err = gorm.Open(sqlite.Open(dsn), cfg)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %v database", databaseType)
	}

	return gdb, nil
}

// Migrate applies the schema for all praxis models.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(models.All...); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	return nil
}
