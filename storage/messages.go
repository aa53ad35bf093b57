package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"monkeykit/models"
)

const messageColumns = `
	id,
	old_id,
	sender_id,
	recipient_id,
	app_id,
	protocol_command,
	protocol_type,
	datetime_creation,
	datetime_order,
	props,
	params,
	text,
	encrypted_text,
	read_by_user`

// SaveMessage writes a message row, replacing any row stored under the same id.
func (s *Store) SaveMessage(message *models.Message) error {
	if message == nil {
		return errors.New("message is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.RecipientID == "" {
		return errors.New("recipient_id is required")
	}

	record, err := message.Record()
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			old_id = excluded.old_id,
			sender_id = excluded.sender_id,
			recipient_id = excluded.recipient_id,
			app_id = excluded.app_id,
			protocol_command = excluded.protocol_command,
			protocol_type = excluded.protocol_type,
			datetime_creation = excluded.datetime_creation,
			datetime_order = excluded.datetime_order,
			props = excluded.props,
			params = excluded.params,
			text = excluded.text,
			encrypted_text = excluded.encrypted_text,
			read_by_user = excluded.read_by_user`,
		record.ID,
		record.OldID,
		record.SenderID,
		record.RecipientID,
		record.AppID,
		record.ProtocolCommand,
		record.ProtocolType,
		record.DatetimeCreation,
		record.DatetimeOrder,
		record.Props,
		record.Params,
		record.Text,
		record.EncryptedText,
		boolToInt(record.ReadByUser),
	)
	if err != nil {
		return fmt.Errorf("save message %d: %w", record.ID, err)
	}

	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(id int64) (*models.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return message, nil
}

// ConversationMessages returns the messages of one conversation ordered for
// display. A group id matches anything addressed to or sent from the group;
// a direct id excludes messages that are themselves group-addressed.
func (s *Store) ConversationMessages(conversationID string) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE (sender_id = ? OR recipient_id = ?)`
	args := []any{conversationID, conversationID}
	if !models.IsGroupID(conversationID) {
		query += ` AND recipient_id NOT LIKE ?`
		args = append(args, models.GroupPrefix+"%")
	}
	query += ` ORDER BY datetime_order ASC, id ASC`

	return s.queryMessages(fmt.Sprintf("conversation %q", conversationID), query, args...)
}

// PendingMessages returns every message still waiting for acknowledgement,
// oldest first.
func (s *Store) PendingMessages() ([]*models.Message, error) {
	return s.queryMessages(
		"pending",
		`SELECT `+messageColumns+` FROM messages
		WHERE id < 0
		ORDER BY datetime_creation ASC`,
	)
}

// HasPendingMessages reports whether any message has a negative id.
func (s *Store) HasPendingMessages() (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE id < 0)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("check pending messages: %w", err)
	}
	return exists == 1, nil
}

// CountUnread counts unread messages from a counterparty. For a group id the
// messages addressed to the group are counted.
func (s *Store) CountUnread(peerID string) (int, error) {
	if peerID == "" {
		return 0, errors.New("peer_id is required")
	}

	query := `SELECT COUNT(1) FROM messages WHERE read_by_user = 0 AND sender_id = ? AND recipient_id NOT LIKE ?`
	args := []any{peerID, models.GroupPrefix + "%"}
	if models.IsGroupID(peerID) {
		query = `SELECT COUNT(1) FROM messages WHERE read_by_user = 0 AND recipient_id = ?`
		args = []any{peerID}
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread for %q: %w", peerID, err)
	}
	return count, nil
}

// MarkRead flags one message as read. Marking an already read message
// leaves the row unchanged.
func (s *Store) MarkRead(id int64) error {
	res, err := s.db.Exec(`UPDATE messages SET read_by_user = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark read message %d: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark read %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConversationRead flags every unread message from senderID as read and
// returns how many rows changed.
func (s *Store) MarkConversationRead(senderID string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE messages SET read_by_user = 1 WHERE sender_id = ? AND read_by_user = 0`,
		senderID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read %q: %w", senderID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for conversation read %q: %w", senderID, err)
	}
	return rowsAffected, nil
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(id int64) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete message %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes every message of a conversation and returns the
// number of deleted rows.
func (s *Store) DeleteConversation(conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, errors.New("conversation_id is required")
	}

	query := `DELETE FROM messages WHERE (sender_id = ? OR recipient_id = ?)`
	args := []any{conversationID, conversationID}
	if !models.IsGroupID(conversationID) {
		query += ` AND recipient_id NOT LIKE ?`
		args = append(args, models.GroupPrefix+"%")
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete conversation %q: %w", conversationID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delete conversation %q: %w", conversationID, err)
	}
	return rowsAffected, nil
}

// ReplaceMessageID moves the message stored under oldID to newID in one
// transaction. A row already stored under newID is overwritten. The updated
// message is returned.
func (s *Store) ReplaceMessageID(oldID, newID int64) (*models.Message, error) {
	if oldID == newID {
		return s.GetMessage(oldID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin replace id transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`, oldID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check message %d: %w", oldID, err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, newID); err != nil {
		return nil, fmt.Errorf("drop message %d: %w", newID, err)
	}
	if _, err := tx.Exec(`UPDATE messages SET id = ?, old_id = ? WHERE id = ?`, newID, oldID, oldID); err != nil {
		return nil, fmt.Errorf("renumber message %d to %d: %w", oldID, newID, err)
	}

	message, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, newID))
	if err != nil {
		return nil, fmt.Errorf("reload message %d: %w", newID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace id transaction: %w", err)
	}
	return message, nil
}

// PruneExpiredPending deletes pending messages created before cutoff (unix
// seconds) and returns their ids.
func (s *Store) PruneExpiredPending(cutoff float64) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin prune pending transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(`SELECT id FROM messages WHERE id < 0 AND datetime_creation < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expired pending messages: %w", err)
	}
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired pending id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate expired pending ids: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return ids, nil
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE id < 0 AND datetime_creation < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete expired pending messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune pending transaction: %w", err)
	}
	return ids, nil
}

func (s *Store) queryMessages(label, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s messages: %w", label, err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s message rows: %w", label, err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		record models.MessageRecord
		read   int
	)
	if err := row.Scan(
		&record.ID,
		&record.OldID,
		&record.SenderID,
		&record.RecipientID,
		&record.AppID,
		&record.ProtocolCommand,
		&record.ProtocolType,
		&record.DatetimeCreation,
		&record.DatetimeOrder,
		&record.Props,
		&record.Params,
		&record.Text,
		&record.EncryptedText,
		&read,
	); err != nil {
		return nil, err
	}
	record.ReadByUser = read == 1
	return models.MessageFromRecord(record)
}
