package network

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"monkeykit/crypto"
	"monkeykit/models"
	"monkeykit/storage"
)

const exchangeTimeout = 10 * time.Second

func (s *SessionManager) onFrame(gen uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.connGen {
		return
	}
	s.dispatchLocked(payload)
}

// dispatchLocked routes one inbound frame by command code. Unknown codes
// surface as notifications.
func (s *SessionManager) dispatchLocked(payload []byte) {
	cmd, args, err := DecodeFrame(payload)
	if err != nil {
		s.logger.Warn("dropping inbound frame", zap.Error(err))
		return
	}

	switch cmd {
	case models.CommandMessage:
		if !s.watchdog.SyncConfirmed() {
			s.logger.Debug("dropping message before history sync", zap.Int64("id", gjson.GetBytes(args, "id").Int()))
			return
		}
		s.processIncomingLocked(s.messageFromWire(cmd, args), 0)
	case models.CommandPublish:
		s.processIncomingLocked(s.messageFromWire(cmd, args), 0)
	case models.CommandAck:
		s.handleAckLocked(args)
	case models.CommandGet, models.CommandSync:
		switch gjson.GetBytes(args, "type").String() {
		case models.SyncTypeGroups:
			s.emit(Event{Type: EventGroupList, Command: cmd, Groups: parseGroups(args)})
		case models.SyncTypeHistory:
			s.handleHistoryLocked(args)
		default:
			s.emitNotificationLocked(cmd, args)
		}
	case models.CommandOpen:
		peerID := gjson.GetBytes(args, "sid").String()
		s.emit(Event{Type: EventConversationOpen, Command: cmd, PeerID: peerID, Payload: argsMap(args)})
		if peerID != "" {
			if _, err := s.store.MarkConversationRead(peerID); err != nil {
				s.logger.Warn("mark conversation read", zap.String("peer_id", peerID), zap.Error(err))
			}
		}
	case models.CommandDelete:
		s.emit(Event{
			Type:      EventMessageUnsend,
			Command:   cmd,
			MessageID: gjson.GetBytes(args, "id").Int(),
			PeerID:    gjson.GetBytes(args, "sid").String(),
			Payload:   argsMap(args),
		})
	case models.CommandClose:
		s.emit(Event{Type: EventConversationClose, Command: cmd, PeerID: gjson.GetBytes(args, "sid").String(), Payload: argsMap(args)})
	case models.CommandSet:
		s.emit(Event{Type: EventPresence, Command: cmd, PeerID: gjson.GetBytes(args, "sid").String(), Payload: argsMap(args)})
	default:
		s.emitNotificationLocked(cmd, args)
	}
}

func (s *SessionManager) messageFromWire(cmd models.Command, args []byte) *models.Message {
	return models.MessageFromWire(cmd, args, s.creds.AppKey)
}

func (s *SessionManager) emitNotificationLocked(cmd models.Command, args []byte) {
	s.emit(Event{Type: EventNotification, Command: cmd, PeerID: gjson.GetBytes(args, "sid").String(), Payload: argsMap(args)})
}

// handleAckLocked reconciles an acknowledged MESSAGE and reports the
// delivery status. Duplicate or reordered acks are harmless.
func (s *SessionManager) handleAckLocked(args []byte) {
	ack := gjson.ParseBytes(args)
	props := ack.Get("props")
	if props.Type == gjson.String {
		props = gjson.Parse(props.String())
	}
	oldID := props.Get(models.PropOldID).Int()
	newID := props.Get(models.PropNewID).Int()
	ackedCmd := models.Command(ack.Get("type").Int())

	if props.Get(models.PropOldID).Exists() && (ackedCmd == 0 || ackedCmd == models.CommandMessage) {
		s.reconcileLocked(oldID, newID)
	}

	s.emit(Event{
		Type:           EventAcknowledge,
		Command:        ackedCmd,
		MessageID:      newID,
		OldID:          oldID,
		PeerID:         ack.Get("sid").String(),
		DeliveryStatus: models.DeliveryStatus(props.Get(models.PropStatus).Int()),
	})
}

// reconcileLocked moves the message stored under oldID to newID. An id
// unknown under both keys means the cache is out of step, so a history
// sync is requested instead.
func (s *SessionManager) reconcileLocked(oldID, newID int64) {
	_, err := s.store.ReplaceMessageID(oldID, newID)
	if err == nil {
		s.logger.Debug("reconciled message", zap.Int64("old_id", oldID), zap.Int64("new_id", newID))
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("reconcile message", zap.Int64("old_id", oldID), zap.Int64("new_id", newID), zap.Error(err))
		return
	}
	if _, err := s.store.GetMessage(newID); err == nil {
		return
	}

	s.logger.Info("acknowledged message unknown locally, resyncing",
		zap.Int64("old_id", oldID),
		zap.Int64("new_id", newID),
	)
	if err := s.requestSyncLocked(); err != nil && !errors.Is(err, ErrSyncInFlight) {
		s.logger.Warn("request history sync", zap.Error(err))
	}
}

// handleHistoryLocked confirms the sync, processes the batch and asks for
// more while the server reports a backlog.
func (s *SessionManager) handleHistoryLocked(args []byte) {
	s.watchdog.ConfirmSync()
	s.syncInFlight = false

	batch := gjson.GetBytes(args, "messages")
	if batch.Type == gjson.String {
		batch = gjson.Parse(batch.String())
	}
	for _, item := range batch.Array() {
		cmd := models.CommandMessage
		if c := item.Get("cmd"); c.Exists() {
			cmd = models.Command(c.Int())
		}
		s.processIncomingLocked(s.messageFromWire(cmd, []byte(item.Raw)), 0)
	}

	if gjson.GetBytes(args, "remaining_messages").Int() > 0 {
		if err := s.requestSyncLocked(); err != nil {
			s.logger.Warn("request remaining history", zap.Error(err))
		}
		return
	}
	s.emit(Event{Type: EventSyncComplete})
}

// processIncomingLocked decrypts, stores and reports one inbound message.
// A failed decrypt parks the message behind a peer key exchange and retries
// at most maxDecryptRetries times before surfacing the ciphertext as text.
func (s *SessionManager) processIncomingLocked(msg *models.Message, attempt int) {
	if msg.ID > 0 && attempt == 0 {
		delivered, err := s.store.WasDelivered(msg.ID)
		if err != nil {
			s.logger.Warn("check delivered id", zap.Int64("id", msg.ID), zap.Error(err))
		}
		if delivered {
			s.logger.Debug("duplicate message", zap.Int64("id", msg.ID))
			s.advanceWatermarkLocked(msg.DatetimeCreation)
			return
		}
	}

	if msg.ProtocolType == models.TypeNotif {
		s.markDeliveredLocked(msg)
		s.advanceWatermarkLocked(msg.DatetimeCreation)
		s.emitNotificationMessageLocked(msg)
		return
	}

	if msg.IsEncrypted() {
		plaintext, err := s.keys.Decrypt(msg.EncryptedText, msg.KeyPeer())
		if err != nil || plaintext == "" {
			if attempt < maxDecryptRetries {
				s.awaitPeerKeyLocked(msg, attempt)
				return
			}
			s.logger.Warn("leaving message encrypted",
				zap.Int64("id", msg.ID),
				zap.String("peer_id", msg.KeyPeer()),
				zap.Error(err),
			)
			msg.Text = msg.EncryptedText
		} else {
			msg.Text = plaintext
		}
	}

	if s.session.AutoSave {
		if err := s.store.SaveMessage(msg); err != nil {
			s.logger.Warn("save inbound message", zap.Int64("id", msg.ID), zap.Error(err))
		}
	}
	s.markDeliveredLocked(msg)
	s.advanceWatermarkLocked(msg.DatetimeCreation)
	s.emit(Event{Type: EventMessage, Message: msg, MessageID: msg.ID, PeerID: msg.SenderID})
}

func (s *SessionManager) emitNotificationMessageLocked(msg *models.Message) {
	if action, ok := msg.Params["action"]; ok && action != nil {
		s.emit(Event{Type: EventGroupAction, Message: msg, PeerID: msg.SenderID, Payload: msg.Params})
		return
	}
	s.emit(Event{Type: EventNotification, Command: msg.ProtocolCommand, Message: msg, PeerID: msg.SenderID, Payload: msg.Params})
}

// keyWait collects the inbound messages parked on one peer key exchange.
type keyWait struct {
	pending []parkedMessage
}

type parkedMessage struct {
	msg     *models.Message
	attempt int
}

// awaitPeerKeyLocked parks msg until a key exchange with its key peer
// finishes. One exchange runs per peer at a time; messages that fail to
// decrypt meanwhile join it. The exchange itself runs without s.mu.
func (s *SessionManager) awaitPeerKeyLocked(msg *models.Message, attempt int) {
	peerID := msg.KeyPeer()
	if wait, ok := s.keyWaits[peerID]; ok {
		for _, parked := range wait.pending {
			if msg.ID > 0 && parked.msg.ID == msg.ID {
				return
			}
		}
		wait.pending = append(wait.pending, parkedMessage{msg: msg, attempt: attempt})
		return
	}

	wait := &keyWait{pending: []parkedMessage{{msg: msg, attempt: attempt}}}
	s.keyWaits[peerID] = wait
	go s.completeKeyExchange(wait, s.keys, s.session.ID, peerID)
}

func (s *SessionManager) completeKeyExchange(wait *keyWait, keys *crypto.KeyManager, myID, peerID string) {
	obtained := s.exchangePeerKey(keys, myID, peerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyWaits[peerID] == wait {
		delete(s.keyWaits, peerID)
	}
	if s.closed || s.status == StatusLogout || s.keys != keys {
		return
	}
	for _, parked := range wait.pending {
		next := parked.attempt + 1
		if !obtained {
			next = maxDecryptRetries
		}
		s.processIncomingLocked(parked.msg, next)
	}
}

// exchangePeerKey runs one key exchange and reports whether a key was
// obtained. It must be called without s.mu held.
func (s *SessionManager) exchangePeerKey(keys *crypto.KeyManager, myID, peerID string) bool {
	if keys == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, exchangeTimeout)
	defer cancel()
	if _, err := keys.ExchangeKeyWithPeer(ctx, myID, peerID); err != nil {
		s.logger.Warn("key exchange failed", zap.String("peer_id", peerID), zap.Error(err))
		return false
	}
	return true
}

func (s *SessionManager) advanceWatermarkLocked(ts float64) {
	if s.session.AdvanceTimestamp(ts) {
		s.persistSessionLocked()
	}
}

func (s *SessionManager) markDeliveredLocked(msg *models.Message) {
	if msg.ID <= 0 {
		return
	}
	if err := s.store.RecordDelivered(msg.ID, s.clock.Now().UnixMilli()); err != nil {
		s.logger.Warn("record delivered id", zap.Int64("id", msg.ID), zap.Error(err))
	}
}

func parseGroups(args []byte) []string {
	for _, path := range []string{"params.groups", "groups", "msg"} {
		value := gjson.GetBytes(args, path)
		if !value.Exists() {
			continue
		}
		groups := make([]string, 0)
		if value.IsArray() {
			for _, item := range value.Array() {
				if id := strings.TrimSpace(item.String()); id != "" {
					groups = append(groups, id)
				}
			}
			return groups
		}
		for _, id := range strings.Split(value.String(), ",") {
			if id = strings.TrimSpace(id); id != "" {
				groups = append(groups, id)
			}
		}
		return groups
	}
	return []string{}
}

func argsMap(args []byte) map[string]any {
	value, ok := gjson.ParseBytes(args).Value().(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return value
}
