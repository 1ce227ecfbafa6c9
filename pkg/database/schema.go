package database

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// RequiredTables lists the tables the store expects after migration
var RequiredTables = []string{"rooms", "users", "messages", "drawings", "schema_migrations"}

// RequiredIndexes lists the indexes the store's queries depend on
var RequiredIndexes = []string{
	"idx_rooms_updated_at",
	"idx_users_room_created",
	"idx_users_room_username",
	"idx_users_status_last_seen",
	"idx_messages_room_time",
	"idx_messages_time",
	"idx_drawings_room_time",
	"idx_drawings_time",
}

// SchemaValidator verifies a migrated database matches what the store code expects
// ARCHITECTURAL DISCOVERY: Kept apart from the migration system so startup and
// tests can validate a database they did not migrate themselves
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and reports the first failure
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range RequiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return errors.Wrapf(err, "error checking table %s", table)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure checks column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"rooms": {
			"room_id":        "TEXT",
			"name":           "TEXT",
			"file_structure": "TEXT",
			"active_files":   "TEXT",
			"active_file":    "TEXT",
			"version":        "INTEGER",
			"updated_at":     "DATETIME",
		},
		"users": {
			"socket_id":       "TEXT",
			"username":        "TEXT",
			"room_id":         "TEXT",
			"status":          "TEXT",
			"cursor_position": "INTEGER",
			"typing":          "INTEGER",
			"last_seen":       "DATETIME",
			"created_at":      "DATETIME",
		},
		"messages": {
			"id":        "TEXT",
			"room_id":   "TEXT",
			"username":  "TEXT",
			"content":   "TEXT",
			"timestamp": "DATETIME",
		},
		"drawings": {
			"id":         "TEXT",
			"room_id":    "TEXT",
			"snapshot":   "TEXT",
			"created_at": "DATETIME",
		},
	}

	for _, table := range []string{"rooms", "users", "messages", "drawings"} {
		if err := v.validateColumns(table, expected[table]); err != nil {
			return errors.Wrapf(err, "%s table structure invalid", table)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return errors.Wrapf(err, "error checking index %s", index)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, dtype  string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dtype
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, dtype := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != dtype {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, dtype)
		}
	}
	return nil
}
