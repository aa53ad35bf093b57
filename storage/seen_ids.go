package storage

import (
	"errors"
	"fmt"
)

// errLocalID rejects the negative ids given to messages before the server
// numbers them; only server ids identify a delivery.
var errLocalID = errors.New("only server message ids are tracked")

// RecordDelivered notes that the server message id has been handed to the
// application. deliveredAt is unix milliseconds; zero means now. A repeat
// delivery refreshes the timestamp so the entry outlives the next prune.
func (s *Store) RecordDelivered(serverID int64, deliveredAt int64) error {
	if serverID <= 0 {
		return fmt.Errorf("record delivery of %d: %w", serverID, errLocalID)
	}
	if deliveredAt == 0 {
		deliveredAt = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at) VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at`,
		serverID,
		deliveredAt,
	); err != nil {
		return fmt.Errorf("record delivery of %d: %w", serverID, err)
	}
	return nil
}

// WasDelivered reports whether serverID was already handed to the
// application. Local ids never were.
func (s *Store) WasDelivered(serverID int64) (bool, error) {
	if serverID <= 0 {
		return false, nil
	}
	var delivered bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ?)`,
		serverID,
	).Scan(&delivered)
	if err != nil {
		return false, fmt.Errorf("look up delivery of %d: %w", serverID, err)
	}
	return delivered, nil
}

// ForgetDeliveredBefore drops delivery records older than cutoff (unix
// milliseconds). History sync never replays that far back, so the ids can
// not come in again.
func (s *Store) ForgetDeliveredBefore(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, fmt.Errorf("forget deliveries: cutoff %d is not a timestamp", cutoff)
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("forget deliveries before %d: %w", cutoff, err)
	}
	return res.RowsAffected()
}
