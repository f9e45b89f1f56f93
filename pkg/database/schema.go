package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks the live database against the structure the
// journal code expects.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist checks for the journal and migration tables.
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"presence_events", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure checks column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	return v.validateColumns("presence_events", map[string]string{
		"id":        "INTEGER",
		"room_kind": "TEXT",
		"room_key":  "TEXT",
		"conn_id":   "TEXT",
		"user_id":   "TEXT",
		"role":      "TEXT",
		"event":     "TEXT",
		"at":        "INTEGER",
	})
}

// ValidateIndexes checks the indexes RoomHistory and Prune rely on.
func (v *SchemaValidator) ValidateIndexes() error {
	required := map[string]string{
		"idx_presence_room": "room history",
		"idx_presence_at":   "retention pruning",
	}
	for index, purpose := range required {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies the CHECK constraints reject bad rows. It
// writes nothing: every probe runs in a transaction that is rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	probes := []struct {
		name string
		kind string
		evt  string
	}{
		{"room_kind", "lobby", "join"},
		{"event", "chat", "kick"},
	}
	for _, p := range probes {
		_, err := tx.Exec(`
			INSERT INTO presence_events (room_kind, room_key, conn_id, user_id, role, event, at)
			VALUES (?, 'probe', 'probe', 'probe', 'student', ?, 0)
		`, p.kind, p.evt)
		if err == nil {
			return fmt.Errorf("check constraint not enforced: presence_events.%s", p.name)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
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
			name, typ    string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s.%s not found", table, col)
		}
		if got != typ {
			return fmt.Errorf("column %s.%s has type %s, expected %s", table, col, got, typ)
		}
	}
	return nil
}
