package metrics

import (
	"database/sql"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS ticks (
	       id               INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp        INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       duration_us      INTEGER NOT NULL CHECK (typeof(duration_us) = 'integer'),
	       thermal_valid    INTEGER NOT NULL CHECK (thermal_valid IN (0, 1)),
	       temp_average     REAL NOT NULL,
	       temp_previous    REAL NOT NULL,
	       temp_critical    REAL NOT NULL,
	       warm_up          INTEGER NOT NULL CHECK (warm_up IN (0, 1)),
	       cool_down        INTEGER NOT NULL CHECK (cool_down IN (0, 1)),
	       fans_present     INTEGER NOT NULL CHECK (typeof(fans_present) = 'integer'),
	       fans_absent      INTEGER NOT NULL CHECK (typeof(fans_absent) = 'integer'),
	       fans_fault       INTEGER NOT NULL CHECK (typeof(fans_fault) = 'integer'),
	       psus_present     INTEGER NOT NULL CHECK (typeof(psus_present) = 'integer'),
	       psus_absent      INTEGER NOT NULL CHECK (typeof(psus_absent) = 'integer'),
	       matched_policies TEXT NOT NULL,
	       collect_errors   INTEGER NOT NULL CHECK (typeof(collect_errors) = 'integer'),
	       action_errors    INTEGER NOT NULL CHECK (typeof(action_errors) = 'integer')
	   );
	   CREATE INDEX IF NOT EXISTS ticks_timestamp ON ticks (timestamp);`

	insertTickSQL = `
    INSERT INTO ticks (
        timestamp, duration_us,
        thermal_valid, temp_average, temp_previous, temp_critical,
        warm_up, cool_down,
        fans_present, fans_absent, fans_fault,
        psus_present, psus_absent,
        matched_policies, collect_errors, action_errors
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT
        timestamp, duration_us,
        thermal_valid, temp_average, temp_previous, temp_critical,
        warm_up, cool_down,
        fans_present, fans_absent, fans_fault,
        psus_present, psus_absent,
        matched_policies, collect_errors, action_errors
    FROM ticks
    ORDER BY id DESC
    LIMIT ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				// Only log if it's not the "already committed" error
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	// Execute schema creation
	log.Debug().Str("sql", createTablesSQL).Msg("Executing SQL statement")
	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	log.Debug().Msg("Recording schema version...")
	// Record schema version
	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	log.Debug().Msg("Committing transaction...")
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}

// GetInsertTickSQL returns the SQL to insert a tick record
func GetInsertTickSQL() string {
	return insertTickSQL
}
