// Package campaign provides the character and campaign data store.
package campaign

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup targets a character that does
// not exist in the store.
var ErrNotFound = errors.New("character not found")

// Character is a player or non-player character sheet.
type Character struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Class      string         `json:"class"`
	Level      int            `json:"level"`
	HP         int            `json:"hp"`
	MaxHP      int            `json:"max_hp"`
	AC         int            `json:"ac"`
	Abilities  map[string]int `json:"abilities,omitempty"`
	Conditions []string       `json:"conditions,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Item is one inventory entry belonging to a character.
type Item struct {
	ID          string `json:"id"`
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	Notes       string `json:"notes,omitempty"`
}

// SpellSlots tracks expendable casting resources at one spell level.
type SpellSlots struct {
	Level     int `json:"level"`
	Total     int `json:"total"`
	Remaining int `json:"remaining"`
}

// Store is a SQLite-backed campaign store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the campaign database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Character sheets
	CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		class TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 1,
		hp INTEGER NOT NULL DEFAULT 0,
		max_hp INTEGER NOT NULL DEFAULT 0,
		ac INTEGER NOT NULL DEFAULT 10,
		abilities TEXT,
		conditions TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Inventory
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		character_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		notes TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (character_id) REFERENCES characters(id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_character ON items(character_id);

	-- Spell slots
	CREATE TABLE IF NOT EXISTS spell_slots (
		character_id TEXT NOT NULL,
		slot_level INTEGER NOT NULL,
		total INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		PRIMARY KEY (character_id, slot_level),
		FOREIGN KEY (character_id) REFERENCES characters(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateCharacter inserts a new character sheet. Name collisions are an
// error (names are unique, case-insensitive).
func (s *Store) CreateCharacter(c *Character) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	abilities, err := json.Marshal(c.Abilities)
	if err != nil {
		return fmt.Errorf("marshal abilities: %w", err)
	}
	conditions, err := json.Marshal(c.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO characters (id, name, class, level, hp, max_hp, ac, abilities, conditions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Class, c.Level, c.HP, c.MaxHP, c.AC, string(abilities), string(conditions), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	return nil
}

// GetCharacter looks up a character by name (case-insensitive).
func (s *Store) GetCharacter(name string) (*Character, error) {
	row := s.db.QueryRow(`
		SELECT id, name, class, level, hp, max_hp, ac, abilities, conditions, created_at, updated_at
		FROM characters WHERE name = ? COLLATE NOCASE`, name)
	return scanCharacter(row)
}

// ListCharacters returns all characters ordered by name.
func (s *Store) ListCharacters() ([]*Character, error) {
	rows, err := s.db.Query(`
		SELECT id, name, class, level, hp, max_hp, ac, abilities, conditions, created_at, updated_at
		FROM characters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query characters: %w", err)
	}
	defer rows.Close()

	var result []*Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// UpdateCharacter applies a partial update to a character sheet.
// Recognized fields: hp, max_hp, ac, level, class, conditions.
// Unknown fields are an error so that typos surface instead of
// silently doing nothing.
func (s *Store) UpdateCharacter(name string, fields map[string]any) (*Character, error) {
	c, err := s.GetCharacter(name)
	if err != nil {
		return nil, err
	}

	for key, val := range fields {
		switch key {
		case "hp":
			n, err := toInt(val)
			if err != nil {
				return nil, fmt.Errorf("field hp: %w", err)
			}
			c.HP = n
		case "max_hp":
			n, err := toInt(val)
			if err != nil {
				return nil, fmt.Errorf("field max_hp: %w", err)
			}
			c.MaxHP = n
		case "ac":
			n, err := toInt(val)
			if err != nil {
				return nil, fmt.Errorf("field ac: %w", err)
			}
			c.AC = n
		case "level":
			n, err := toInt(val)
			if err != nil {
				return nil, fmt.Errorf("field level: %w", err)
			}
			c.Level = n
		case "class":
			str, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("field class: expected string, got %T", val)
			}
			c.Class = str
		case "conditions":
			conds, err := toStringSlice(val)
			if err != nil {
				return nil, fmt.Errorf("field conditions: %w", err)
			}
			c.Conditions = conds
		default:
			return nil, fmt.Errorf("unknown field %q (valid: hp, max_hp, ac, level, class, conditions)", key)
		}
	}

	c.UpdatedAt = time.Now().UTC()

	abilities, err := json.Marshal(c.Abilities)
	if err != nil {
		return nil, fmt.Errorf("marshal abilities: %w", err)
	}
	conditions, err := json.Marshal(c.Conditions)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE characters SET class = ?, level = ?, hp = ?, max_hp = ?, ac = ?, abilities = ?, conditions = ?, updated_at = ?
		WHERE id = ?`,
		c.Class, c.Level, c.HP, c.MaxHP, c.AC, string(abilities), string(conditions), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update character: %w", err)
	}
	return c, nil
}

// AddItem appends an inventory entry to the named character.
func (s *Store) AddItem(characterName, itemName string, quantity int, notes string) (*Item, error) {
	c, err := s.GetCharacter(characterName)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 {
		quantity = 1
	}

	item := &Item{
		ID:          uuid.New().String(),
		CharacterID: c.ID,
		Name:        itemName,
		Quantity:    quantity,
		Notes:       notes,
	}
	_, err = s.db.Exec(`
		INSERT INTO items (id, character_id, name, quantity, notes) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.CharacterID, item.Name, item.Quantity, item.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// Items returns the named character's inventory.
func (s *Store) Items(characterName string) ([]*Item, error) {
	c, err := s.GetCharacter(characterName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, character_id, name, quantity, notes FROM items WHERE character_id = ? ORDER BY name`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var result []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.CharacterID, &it.Name, &it.Quantity, &it.Notes); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		result = append(result, &it)
	}
	return result, rows.Err()
}

// SetSpellSlots sets the slot pool for one spell level, refilling
// remaining to the new total.
func (s *Store) SetSpellSlots(characterName string, level, total int) error {
	c, err := s.GetCharacter(characterName)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO spell_slots (character_id, slot_level, total, remaining) VALUES (?, ?, ?, ?)
		ON CONFLICT(character_id, slot_level) DO UPDATE SET total = excluded.total, remaining = excluded.total`,
		c.ID, level, total, total,
	)
	if err != nil {
		return fmt.Errorf("set spell slots: %w", err)
	}
	return nil
}

// SpellSlotsFor returns the slot pools for the named character, lowest
// level first.
func (s *Store) SpellSlotsFor(characterName string) ([]SpellSlots, error) {
	c, err := s.GetCharacter(characterName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT slot_level, total, remaining FROM spell_slots WHERE character_id = ? ORDER BY slot_level`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("query spell slots: %w", err)
	}
	defer rows.Close()

	var result []SpellSlots
	for rows.Next() {
		var ss SpellSlots
		if err := rows.Scan(&ss.Level, &ss.Total, &ss.Remaining); err != nil {
			return nil, fmt.Errorf("scan spell slots: %w", err)
		}
		result = append(result, ss)
	}
	return result, rows.Err()
}

// CastSpell expends one slot at the given level. Returns the remaining
// count, or an error if the character has no slot left at that level.
func (s *Store) CastSpell(characterName string, level int) (int, error) {
	c, err := s.GetCharacter(characterName)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`
		UPDATE spell_slots SET remaining = remaining - 1
		WHERE character_id = ? AND slot_level = ? AND remaining > 0`,
		c.ID, level)
	if err != nil {
		return 0, fmt.Errorf("expend slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s has no level %d spell slots remaining", c.Name, level)
	}

	var remaining int
	err = s.db.QueryRow(`
		SELECT remaining FROM spell_slots WHERE character_id = ? AND slot_level = ?`,
		c.ID, level).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("read remaining: %w", err)
	}
	return remaining, nil
}

// scanner abstracts sql.Row and sql.Rows for scanCharacter.
type scanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row scanner) (*Character, error) {
	var c Character
	var abilities, conditions sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Class, &c.Level, &c.HP, &c.MaxHP, &c.AC, &abilities, &conditions, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan character: %w", err)
	}

	if abilities.Valid && abilities.String != "" && abilities.String != "null" {
		if err := json.Unmarshal([]byte(abilities.String), &c.Abilities); err != nil {
			return nil, fmt.Errorf("decode abilities: %w", err)
		}
	}
	if conditions.Valid && conditions.String != "" && conditions.String != "null" {
		if err := json.Unmarshal([]byte(conditions.String), &c.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &c, nil
}

// toInt accepts the numeric shapes JSON decoding produces.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toStringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, str)
		}
		return out, nil
	case string:
		// Tolerate a comma-separated string from the model.
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}
