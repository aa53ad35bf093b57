package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"monkeykit/models"
)

// CurrentSessionID returns the persisted id of the last login.
func (s *Store) CurrentSessionID() (string, error) {
	return s.Get(keyCurrentSession)
}

// SaveSession persists the session record and marks it as current.
func (s *Store) SaveSession(session models.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", session.ID, err)
	}
	if err := s.Set(userKeyPrefix+session.ID, string(raw)); err != nil {
		return err
	}
	return s.Set(keyCurrentSession, session.ID)
}

// LoadSession reads the session record persisted for id.
func (s *Store) LoadSession(id string) (*models.Session, error) {
	raw, err := s.Get(userKeyPrefix + id)
	if err != nil {
		return nil, err
	}

	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("parse session %q: %w", id, err)
	}
	return &session, nil
}
