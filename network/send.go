package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"monkeykit/models"
)

// SendOptions tunes an outgoing message.
type SendOptions struct {
	Encrypt bool
	Props   map[string]any
	Params  map[string]any
	// Push is an opaque push-notification payload passed through to the server.
	Push any
}

// FileOptions tunes an outgoing file.
type FileOptions struct {
	Encrypt bool
	// Compression is one of "", gzip, zstd or lz4.
	Compression string
	MimeType    string
	FileType    int
	Params      map[string]any
	Push        any
}

// SendText sends text to recipient. The message is stored as pending and
// resent on reconnect until acknowledged.
func (s *SessionManager) SendText(recipient, text string, opts SendOptions) (*models.Message, error) {
	return s.sendMessage(recipient, text, models.TypeText, opts)
}

// SendEncryptedText sends text encrypted with the key shared with recipient.
func (s *SessionManager) SendEncryptedText(recipient, text string, opts SendOptions) (*models.Message, error) {
	opts.Encrypt = true
	return s.sendMessage(recipient, text, models.TypeText, opts)
}

// SendTemporalNote sends a note the recipient is not expected to keep.
func (s *SessionManager) SendTemporalNote(recipient, text string, opts SendOptions) (*models.Message, error) {
	return s.sendMessage(recipient, text, models.TypeTempNote, opts)
}

// SendNotification sends an application notification carrying params.
func (s *SessionManager) SendNotification(recipient string, params map[string]any, push any) (*models.Message, error) {
	return s.sendMessage(recipient, "", models.TypeNotif, SendOptions{Params: params, Push: push})
}

func (s *SessionManager) sendMessage(recipient, text string, msgType models.MessageType, opts SendOptions) (*models.Message, error) {
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}

	var ciphertext string
	if opts.Encrypt {
		var err error
		if ciphertext, err = s.encryptFor(text, recipient); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.newOutgoingLocked(recipient, msgType, opts.Props, opts.Params)
	if err != nil {
		return nil, err
	}

	if opts.Encrypt {
		msg.Props[models.PropEncrypted] = 1
		msg.Props[models.PropEncoding] = models.EncodingUTF8
		msg.Text = text
		msg.EncryptedText = ciphertext
	} else {
		encoded := base64.StdEncoding.EncodeToString([]byte(text))
		msg.Props[models.PropEncrypted] = 0
		msg.Props[models.PropEncoding] = models.EncodingBase64
		msg.Text = encoded
		msg.EncryptedText = encoded
	}

	if err := s.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("store outgoing message: %w", err)
	}
	s.deliverLocked(msg, opts.Push)
	return msg, nil
}

func (s *SessionManager) newOutgoingLocked(recipient string, msgType models.MessageType, props, params map[string]any) (*models.Message, error) {
	if s.session.ID == "" {
		return nil, ErrNoIdentity
	}
	msg := models.NewOutgoingMessage(s.clock.Now(), s.session.ID, recipient, models.CommandMessage, msgType)
	msg.AppID = s.creds.AppKey
	for k, v := range props {
		msg.Props[k] = v
	}
	for k, v := range params {
		msg.Params[k] = v
	}
	return msg, nil
}

// encryptFor encrypts text for peerID, running one key exchange when no
// key is cached yet. It must be called without s.mu held.
func (s *SessionManager) encryptFor(text, peerID string) (string, error) {
	s.mu.Lock()
	keys, myID := s.keys, s.session.ID
	s.mu.Unlock()
	if keys == nil || myID == "" {
		return "", ErrNoIdentity
	}

	ciphertext, err := keys.Encrypt(text, peerID)
	if err == nil {
		return ciphertext, nil
	}
	if !s.exchangePeerKey(keys, myID, peerID) {
		return "", fmt.Errorf("encrypt for %q: %w", peerID, err)
	}
	return keys.Encrypt(text, peerID)
}

// deliverLocked writes msg to the socket and arms the watchdog, or posts
// it over REST when offline.
func (s *SessionManager) deliverLocked(msg *models.Message, push any) {
	if s.status == StatusOnline {
		args := msg.WireArgs()
		if push != nil {
			args["push"] = push
		}
		if err := s.sendCommandLocked(models.CommandMessage, args); err == nil {
			s.watchdog.Arm(s.watchdogReconnect)
			return
		}
		s.logger.Warn("socket send failed, falling back to REST", zap.Int64("id", msg.ID))
	}

	snapshot := *msg
	go s.postOffline(&snapshot, push)
}

// postOffline delivers msg through POST /message/new. A failure leaves it
// pending for the next flush.
func (s *SessionManager) postOffline(msg *models.Message, push any) {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, DefaultRequestTimeout)
	defer cancel()
	newID, err := api.PostMessage(ctx, msg, push)
	if err != nil {
		s.logger.Warn("offline send failed, message stays pending", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked(msg.ID, newID)
	s.emit(Event{
		Type:           EventAcknowledge,
		Command:        models.CommandMessage,
		MessageID:      newID,
		OldID:          msg.ID,
		PeerID:         msg.RecipientID,
		DeliveryStatus: models.StatusDelivered,
	})
}

// flushPendingLocked reports expired pending messages as failed and resends
// the rest.
func (s *SessionManager) flushPendingLocked() {
	cutoff := models.UnixSeconds(s.clock.Now().Add(-MaxPendingAge))
	expired, err := s.store.PruneExpiredPending(cutoff)
	if err != nil {
		s.logger.Warn("prune expired pending messages", zap.Error(err))
	}
	for _, id := range expired {
		s.emit(Event{Type: EventMessageFailed, MessageID: id, Err: errors.New("message expired before delivery")})
	}

	pending, err := s.store.PendingMessages()
	if err != nil {
		s.logger.Warn("load pending messages", zap.Error(err))
		return
	}
	sent := 0
	for _, msg := range pending {
		if msg.ProtocolType == models.TypeFile {
			continue
		}
		if err := s.sendCommandLocked(models.CommandMessage, msg.WireArgs()); err != nil {
			s.logger.Warn("resend pending message", zap.Int64("id", msg.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("resent pending messages", zap.Int("count", sent))
		s.watchdog.Arm(s.watchdogReconnect)
	}
}

// SendFile compresses, optionally encrypts and uploads data. The pending
// message is renumbered on success and removed with EventMessageFailed on
// failure.
func (s *SessionManager) SendFile(ctx context.Context, recipient, name string, data []byte, opts FileOptions) (*models.Message, error) {
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}

	compressed, err := compressPayload(opts.Compression, data)
	if err != nil {
		return nil, err
	}
	payload := base64.StdEncoding.EncodeToString(compressed)
	if opts.Encrypt {
		if payload, err = s.encryptFor(payload, recipient); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	msg, err := s.newOutgoingLocked(recipient, models.TypeFile, nil, opts.Params)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	msg.Props[models.PropFilename] = name
	msg.Props[models.PropExtension] = strings.TrimPrefix(filepath.Ext(name), ".")
	msg.Props[models.PropSize] = len(data)
	msg.Props[models.PropMimeType] = opts.MimeType
	msg.Props[models.PropFileType] = opts.FileType
	msg.Props[models.PropEncoding] = models.EncodingBase64
	msg.Props[models.PropEncrypted] = 0
	if opts.Compression != "" {
		msg.Props[models.PropCompression] = opts.Compression
	}
	if opts.Encrypt {
		msg.Props[models.PropEncrypted] = 1
	}
	msg.Text = name
	msg.EncryptedText = name
	if err := s.store.SaveMessage(msg); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store outgoing file: %w", err)
	}
	api := s.api
	s.mu.Unlock()

	newID, err := api.UploadFile(ctx, FileUpload{Message: msg, Data: payload, Push: opts.Push})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if delErr := s.store.DeleteMessage(msg.ID); delErr != nil {
			s.logger.Warn("drop failed upload", zap.Int64("id", msg.ID), zap.Error(delErr))
		}
		s.emit(Event{Type: EventMessageFailed, MessageID: msg.ID, Message: msg, Err: err})
		return nil, fmt.Errorf("upload file: %w", err)
	}

	oldID := msg.ID
	msg.Renumber(newID)
	s.reconcileLocked(oldID, newID)
	return msg, nil
}

// OpenConversation tells peerID the conversation is open and marks its
// messages read locally.
func (s *SessionManager) OpenConversation(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.MarkConversationRead(peerID); err != nil {
		s.logger.Warn("mark conversation read", zap.String("peer_id", peerID), zap.Error(err))
	}
	return s.sendCommandLocked(models.CommandOpen, map[string]any{"rid": peerID})
}

// CloseConversation tells peerID the conversation is closed.
func (s *SessionManager) CloseConversation(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCommandLocked(models.CommandClose, map[string]any{"rid": peerID})
}

// DeleteMessage unsends id and removes the local copy.
func (s *SessionManager) DeleteMessage(id int64, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteMessage(id); err != nil {
		s.logger.Debug("delete local message", zap.Int64("id", id), zap.Error(err))
	}
	return s.sendCommandLocked(models.CommandDelete, map[string]any{
		"id":  fmt.Sprint(id),
		"rid": recipient,
	})
}

// RequestGroups asks the server for the groups of the session.
func (s *SessionManager) RequestGroups() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCommandLocked(models.CommandGet, map[string]any{"type": models.SyncTypeGroups})
}

// SyncHistory requests every message newer than the watermark. Only one
// sync may be in flight.
func (s *SessionManager) SyncHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestSyncLocked()
}

// GetConversations lists the conversations of the session with their last
// message opened when possible.
func (s *SessionManager) GetConversations(ctx context.Context) ([]models.Conversation, error) {
	api, myID, err := s.restTarget()
	if err != nil {
		return nil, err
	}
	conversations, err := api.Conversations(ctx, myID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for i := range conversations {
		if last := conversations[i].LastMessage; last != nil {
			s.openForDisplay(last)
		}
	}
	return conversations, nil
}

// GetConversationMessages pages the server history of conversationID.
// Messages are opened and, with AutoSave, stored.
func (s *SessionManager) GetConversationMessages(ctx context.Context, conversationID string, size int, since float64) ([]*models.Message, error) {
	api, myID, err := s.restTarget()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 50
	}
	messages, err := api.ConversationMessages(ctx, myID, conversationID, size, since)
	if err != nil {
		return nil, fmt.Errorf("load conversation %q: %w", conversationID, err)
	}
	for _, msg := range messages {
		s.openForDisplay(msg)
		s.saveIfAutoSave(msg)
	}
	return messages, nil
}

// ReloadSecureMessage fetches the server copy of message id and opens it.
func (s *SessionManager) ReloadSecureMessage(ctx context.Context, id int64) (*models.Message, error) {
	api, _, err := s.restTarget()
	if err != nil {
		return nil, err
	}
	msg, err := api.OpenSecureMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open secure message %d: %w", id, err)
	}
	s.openForDisplay(msg)
	s.saveIfAutoSave(msg)
	return msg, nil
}

// Messages returns the cached messages of a conversation.
func (s *SessionManager) Messages(conversationID string) ([]*models.Message, error) {
	return s.store.ConversationMessages(conversationID)
}

// UnreadCount counts unread cached messages from peerID.
func (s *SessionManager) UnreadCount(peerID string) (int, error) {
	return s.store.CountUnread(peerID)
}

// MarkRead marks one cached message read.
func (s *SessionManager) MarkRead(id int64) error {
	return s.store.MarkRead(id)
}

// DeleteConversation removes the cached messages of a conversation.
func (s *SessionManager) DeleteConversation(conversationID string) (int64, error) {
	return s.store.DeleteConversation(conversationID)
}

func (s *SessionManager) restTarget() (API, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil || s.session.ID == "" {
		return nil, "", ErrNoIdentity
	}
	return s.api, s.session.ID, nil
}

// openForDisplay decrypts msg in place, exchanging the peer key at most
// once. Failures leave the ciphertext as text.
func (s *SessionManager) openForDisplay(msg *models.Message) {
	if !msg.IsEncrypted() {
		return
	}
	s.mu.Lock()
	keys, myID := s.keys, s.session.ID
	s.mu.Unlock()
	if keys == nil {
		msg.Text = msg.EncryptedText
		return
	}

	for attempt := 0; attempt <= maxDecryptRetries; attempt++ {
		plaintext, err := keys.Decrypt(msg.EncryptedText, msg.KeyPeer())
		if err == nil && plaintext != "" {
			msg.Text = plaintext
			return
		}
		if attempt == maxDecryptRetries || !s.exchangePeerKey(keys, myID, msg.KeyPeer()) {
			break
		}
	}
	msg.Text = msg.EncryptedText
}

func (s *SessionManager) saveIfAutoSave(msg *models.Message) {
	s.mu.Lock()
	autoSave := s.session.AutoSave
	s.mu.Unlock()
	if !autoSave {
		return
	}
	if err := s.store.SaveMessage(msg); err != nil {
		s.logger.Warn("save fetched message", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
