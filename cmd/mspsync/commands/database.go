package commands

import (
	"database/sql"

	"github.com/teranos/mspsync/am"
	"github.com/teranos/mspsync/db"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
)

// ConfigPath overrides the config cascade when set by --config
var ConfigPath string

// LoadConfig loads configuration from ConfigPath or the cascade
func LoadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		cfg, err := am.LoadFromFile(ConfigPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		return cfg, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// openDatabase opens and migrates the database at dbPath.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := LoadConfig()
		if err != nil {
			return nil, err
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
