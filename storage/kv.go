package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is required")
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get record %q: %w", key, err)
	}
	return value, nil
}

// Set writes value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("set record %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete record %q: %w", key, err)
	}
	return nil
}
