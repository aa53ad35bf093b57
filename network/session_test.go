package network

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monkeykit/models"
	"monkeykit/storage"
)

func TestInitRequiresCredentials(t *testing.T) {
	h := newHarness(t, nil)

	err := h.session.Init(context.Background(), Credentials{AppKey: "only-key"}, nil)
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.Equal(t, 0, h.dialer.dialCount())
}

func TestConnectWithoutIdentity(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.session.Connect(""), ErrNoIdentity)
	assert.Equal(t, 0, h.dialer.dialCount())
}

func TestNewSessionHandshakeReachesOnline(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)
	h.events.waitFor(t, EventConnect, nil)

	assert.Subset(t, h.events.statuses(), []Status{StatusOffline, StatusConnecting, StatusOnline})
	statuses := h.events.statuses()
	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, StatusOffline, statuses[0])
	assert.Equal(t, StatusOnline, statuses[len(statuses)-1])

	id, err := h.store.CurrentSessionID()
	require.NoError(t, err)
	assert.Equal(t, testMyID, id)

	stored, err := h.store.LoadSession(testMyID)
	require.NoError(t, err)
	assert.True(t, stored.HasSessionKey())

	require.Eventually(t, func() bool { return len(conn.frames(models.CommandSet)) == 1 }, waitFor, pollEvery)
	assert.Equal(t, int64(1), conn.frames(models.CommandSet)[0].Get("online").Int())
	assert.Equal(t, "wss://chat.example.com/websockets?id=U%3Ame&p=app-key%3Aapp-secret", h.dialer.url(0))
}

func TestResumeStoredSessionSkipsHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.resumeOnline(t)

	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	assert.Equal(t, 0, h.api.createCalls)
	assert.Equal(t, testMyID, h.session.Session().ID)
}

func TestStoredIdentityWithoutCallerIDSyncsKeys(t *testing.T) {
	h := newHarness(t, nil)
	h.seedSession(t)

	require.NoError(t, h.session.Init(context.Background(), testCreds, nil))
	h.clock.Advance(HandshakeDelay)
	h.waitOnline(t, 0)

	session := h.session.Session()
	assert.Equal(t, testMyID, session.ID)
	assert.Equal(t, float64(1700000000), session.LastTimestamp)
	assert.Equal(t, "me", session.User["name"])
}

func TestSendTextStoresPendingBase64(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	msg, err := h.session.SendText(testPeerID, "hi", SendOptions{})
	require.NoError(t, err)
	assert.Less(t, msg.ID, int64(0))

	stored, err := h.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), stored.Text)
	assert.Equal(t, models.EncodingBase64, stored.Encoding())
	assert.True(t, stored.IsPending())

	frames := conn.frames(models.CommandMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, "aGk=", frames[0].Get("msg").String())
	assert.Equal(t, testPeerID, frames[0].Get("rid").String())
	assert.True(t, h.session.watchdog.Armed())
}

func TestAckReconcilesPendingID(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	msg, err := h.session.SendText(testPeerID, "hi", SendOptions{})
	require.NoError(t, err)

	conn.deliver(t, models.CommandAck, map[string]any{
		"type": int(models.CommandMessage),
		"sid":  testPeerID,
		"props": map[string]any{
			models.PropOldID:  msg.ID,
			models.PropNewID:  100,
			models.PropStatus: int(models.StatusDelivered),
		},
	})

	ack := h.events.waitFor(t, EventAcknowledge, nil)
	assert.Equal(t, int64(100), ack.MessageID)
	assert.Equal(t, msg.ID, ack.OldID)
	assert.Equal(t, models.StatusDelivered, ack.DeliveryStatus)

	stored, err := h.store.GetMessage(100)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, stored.OldID)
	_, err = h.store.GetMessage(msg.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnknownAckRequestsHistorySync(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	conn.deliver(t, models.CommandAck, map[string]any{
		"type":  int(models.CommandMessage),
		"props": map[string]any{models.PropOldID: -5, models.PropNewID: 100},
	})

	require.Eventually(t, func() bool { return len(conn.frames(models.CommandSync)) == 1 }, waitFor, pollEvery)
	assert.Equal(t, models.SyncTypeHistory, conn.frames(models.CommandSync)[0].Get("type").String())
}

func TestAckWithoutIDsSkipsReconcile(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	conn.deliver(t, models.CommandAck, map[string]any{
		"sid":   testPeerID,
		"props": map[string]any{models.PropStatus: int(models.StatusRead)},
	})
	event := h.events.waitFor(t, EventAcknowledge, nil)

	assert.Equal(t, models.StatusRead, event.DeliveryStatus)
	assert.Empty(t, conn.frames(models.CommandSync))
}

func TestUncleanCloseReconnectsAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	conn.drop(errors.New("connection reset by peer"))

	h.waitStatus(t, StatusConnecting)
	h.events.waitFor(t, EventDisconnect, nil)
	h.waitPendingDelay(t, DirtyCloseReconnectDelay)
	assert.Equal(t, 1, h.dialer.dialCount())

	h.clock.Advance(DirtyCloseReconnectDelay)
	h.waitOnline(t, 1)
	assert.Equal(t, 2, h.dialer.dialCount())
}

func TestCleanCloseGoesOffline(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	_ = conn.Close(1000, "server shutdown")

	h.waitStatus(t, StatusOffline)
	h.events.waitFor(t, EventDisconnect, nil)
	assert.Empty(t, h.clock.PendingDelays())
}

func TestCleanCloseDisarmsWatchdog(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	_, err := h.session.SendText(testPeerID, "hi", SendOptions{})
	require.NoError(t, err)
	require.True(t, h.session.watchdog.Armed())

	_ = conn.Close(1000, "server shutdown")
	h.waitStatus(t, StatusOffline)
	h.events.waitFor(t, EventDisconnect, nil)
	assert.False(t, h.session.watchdog.Armed())

	h.clock.Advance(WatchdogTimeout)
	h.clock.Advance(RetryReconnectDelay)

	assert.Equal(t, StatusOffline, h.session.Status())
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Empty(t, h.clock.PendingDelays())
}

func TestWatchdogReconnectsAndResendsPending(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	msg, err := h.session.SendText(testPeerID, "hi", SendOptions{})
	require.NoError(t, err)
	require.True(t, h.session.watchdog.Armed())

	h.clock.Advance(WatchdogTimeout)
	h.waitStatus(t, StatusConnecting)
	assert.True(t, conn.closedNow())

	h.waitPendingDelay(t, RetryReconnectDelay)
	h.clock.Advance(RetryReconnectDelay)
	next := h.waitOnline(t, 1)

	require.Eventually(t, func() bool { return len(next.frames(models.CommandMessage)) == 1 }, waitFor, pollEvery)
	assert.Equal(t, msg.ID, next.frames(models.CommandMessage)[0].Get("id").Int())
}

func TestWatchdogStaysIdleOnceAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	msg, err := h.session.SendText(testPeerID, "hi", SendOptions{})
	require.NoError(t, err)
	conn.deliver(t, models.CommandAck, map[string]any{
		"type":  int(models.CommandMessage),
		"props": map[string]any{models.PropOldID: msg.ID, models.PropNewID: 100},
	})
	h.events.waitFor(t, EventAcknowledge, nil)

	h.clock.Advance(WatchdogTimeout)

	assert.Equal(t, StatusOnline, h.session.Status())
	assert.False(t, conn.closedNow())
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestMessagesWaitForHistorySync(t *testing.T) {
	h := newHarness(t, func(o *SessionOptions) { o.AutoSync = true })
	conn := h.goOnline(t)

	require.Eventually(t, func() bool { return len(conn.frames(models.CommandSync)) == 1 }, waitFor, pollEvery)
	assert.ErrorIs(t, h.session.SyncHistory(), ErrSyncInFlight)

	conn.deliver(t, models.CommandMessage, wireMessage(1, testPeerID, "dropped", 1700000010))
	conn.deliver(t, models.CommandPublish, wireMessage(2, testPeerID, "published", 1700000011))
	h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 2 })
	assert.Empty(t, filterMessages(h.events.ofType(EventMessage), 1))

	conn.deliver(t, models.CommandSync, map[string]any{
		"type":               models.SyncTypeHistory,
		"messages":           []any{wireMessage(3, testPeerID, "from history", 1700000012)},
		"remaining_messages": 0,
	})
	h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 3 })
	h.events.waitFor(t, EventSyncComplete, nil)

	conn.deliver(t, models.CommandMessage, wireMessage(4, testPeerID, "live", 1700000013))
	h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 4 })
	assert.Equal(t, float64(1700000013), h.session.Session().LastTimestamp)
}

func TestHistoryBacklogRequestsNextBatch(t *testing.T) {
	h := newHarness(t, func(o *SessionOptions) { o.AutoSync = true })
	conn := h.goOnline(t)
	require.Eventually(t, func() bool { return len(conn.frames(models.CommandSync)) == 1 }, waitFor, pollEvery)

	conn.deliver(t, models.CommandSync, map[string]any{
		"type":               models.SyncTypeHistory,
		"messages":           []any{wireMessage(10, testPeerID, "a", 1700000050)},
		"remaining_messages": 3,
	})

	require.Eventually(t, func() bool { return len(conn.frames(models.CommandSync)) == 2 }, waitFor, pollEvery)
	assert.Equal(t, float64(1700000050), conn.frames(models.CommandSync)[1].Get("since").Float())
	assert.Empty(t, h.events.ofType(EventSyncComplete))
}

func TestSyncHistoryRejectsSecondRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.goOnline(t)

	require.NoError(t, h.session.SyncHistory())
	assert.ErrorIs(t, h.session.SyncHistory(), ErrSyncInFlight)
}

func TestDuplicateDeliveriesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	conn.deliver(t, models.CommandPublish, wireMessage(7, testPeerID, "once", 1700000020))
	conn.deliver(t, models.CommandPublish, wireMessage(7, testPeerID, "once", 1700000020))
	conn.deliver(t, models.CommandPublish, wireMessage(8, testPeerID, "next", 1700000021))

	h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 8 })
	assert.Len(t, filterMessages(h.events.ofType(EventMessage), 7), 1)

	stored, err := h.store.GetMessage(7)
	require.NoError(t, err)
	assert.Equal(t, "once", stored.Text)
}

func TestDecryptRetryIsBounded(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)
	h.api.addPeer(t, testPeerID)

	args := wireMessage(9, testPeerID, "not-a-ciphertext", 1700000030)
	args["props"] = map[string]any{models.PropEncrypted: 1}
	conn.deliver(t, models.CommandPublish, args)

	event := h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 9 })
	assert.Equal(t, "not-a-ciphertext", event.Message.Text)
	assert.Equal(t, 1, h.api.exchanges())
}

func TestEncryptedMessageDecryptsAfterExchange(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)
	peerKey := h.api.addPeer(t, testPeerID)

	ciphertext, err := encryptWith(peerKey, "secret")
	require.NoError(t, err)
	args := wireMessage(11, testPeerID, ciphertext, 1700000040)
	args["props"] = map[string]any{models.PropEncrypted: 1}
	conn.deliver(t, models.CommandPublish, args)

	event := h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 11 })
	assert.Equal(t, "secret", event.Message.Text)
	assert.Equal(t, 1, h.api.exchanges())
}

func TestKeyExchangeRunsOffTheSessionLock(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)
	peerKey := h.api.addPeer(t, testPeerID)
	gate := h.api.holdExchanges()

	for i, text := range []string{"first", "second"} {
		ciphertext, err := encryptWith(peerKey, text)
		require.NoError(t, err)
		args := wireMessage(int64(20+i), testPeerID, ciphertext, float64(1700000060+i))
		args["props"] = map[string]any{models.PropEncrypted: 1}
		conn.deliver(t, models.CommandPublish, args)
	}
	require.Eventually(t, func() bool { return h.api.exchanges() == 1 }, waitFor, pollEvery)

	status := make(chan Status, 1)
	go func() { status <- h.session.Status() }()
	select {
	case got := <-status:
		assert.Equal(t, StatusOnline, got)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while a key exchange was outstanding")
	}
	_, err := h.session.SendText("U:8", "meanwhile", SendOptions{})
	require.NoError(t, err)

	close(gate)
	first := h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 20 })
	second := h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 21 })
	assert.Equal(t, "first", first.Message.Text)
	assert.Equal(t, "second", second.Message.Text)
	assert.Equal(t, 1, h.api.exchanges())
}

func TestSendEncryptedTextExchangesKeyOnce(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)
	peerKey := h.api.addPeer(t, testPeerID)

	_, err := h.session.SendEncryptedText(testPeerID, "first", SendOptions{})
	require.NoError(t, err)
	_, err = h.session.SendEncryptedText(testPeerID, "second", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.api.exchanges())

	frames := conn.frames(models.CommandMessage)
	require.Len(t, frames, 2)
	plaintext, err := decryptWith(peerKey, frames[1].Get("msg").String())
	require.NoError(t, err)
	assert.Equal(t, "second", plaintext)
	assert.Equal(t, int64(1), frames[1].Get("props.encr").Int())
}

func TestGroupListAndGroupAction(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	require.NoError(t, h.session.RequestGroups())
	require.Len(t, conn.frames(models.CommandGet), 1)

	conn.deliver(t, models.CommandGet, map[string]any{
		"type":   models.SyncTypeGroups,
		"params": map[string]any{"groups": "G:1, G:2"},
	})
	groups := h.events.waitFor(t, EventGroupList, nil)
	assert.Equal(t, []string{"G:1", "G:2"}, groups.Groups)

	notif := wireMessage(12, "G:1", "", 1700000060)
	notif["type"] = int(models.TypeNotif)
	notif["params"] = map[string]any{"action": int(models.GroupNewMember), "member": "U:9"}
	conn.deliver(t, models.CommandPublish, notif)

	action := h.events.waitFor(t, EventGroupAction, nil)
	assert.Equal(t, "U:9", action.Payload["member"])
}

func TestLogoutClearsStoreAndStaysDown(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	_, err := h.session.SendText(testPeerID, "hi", SendOptions{})
	require.NoError(t, err)

	require.NoError(t, h.session.Logout())
	assert.Equal(t, StatusLogout, h.session.Status())
	assert.True(t, conn.closedNow())

	_, err = h.store.CurrentSessionID()
	assert.ErrorIs(t, err, storage.ErrNotFound)
	pending, err := h.store.HasPendingMessages()
	require.NoError(t, err)
	assert.False(t, pending)

	h.clock.Advance(RetryReconnectDelay + WatchdogTimeout)
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Empty(t, h.session.Session().ID)
}

func TestOfflineSendPostsOverREST(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setErr(errors.New("network unreachable"))
	h.seedSession(t)
	h.api.postID = 555

	require.NoError(t, h.session.Init(context.Background(), testCreds, map[string]any{"monkeyId": testMyID}))
	h.waitStatus(t, StatusConnecting)

	msg, err := h.session.SendText(testPeerID, "offline", SendOptions{})
	require.NoError(t, err)

	ack := h.events.waitFor(t, EventAcknowledge, nil)
	assert.Equal(t, int64(555), ack.MessageID)
	assert.Equal(t, msg.ID, ack.OldID)

	stored, err := h.store.GetMessage(555)
	require.NoError(t, err)
	assert.False(t, stored.IsPending())
}

func TestPendingFlushPrunesExpired(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now()

	expired := models.NewOutgoingMessage(now.Add(-MaxPendingAge-time.Hour), testMyID, testPeerID, models.CommandMessage, models.TypeText)
	fresh := models.NewOutgoingMessage(now.Add(-time.Hour), testMyID, testPeerID, models.CommandMessage, models.TypeText)
	require.NoError(t, h.store.SaveMessage(expired))
	require.NoError(t, h.store.SaveMessage(fresh))

	conn := h.resumeOnline(t)

	failed := h.events.waitFor(t, EventMessageFailed, nil)
	assert.Equal(t, expired.ID, failed.MessageID)

	require.Eventually(t, func() bool { return len(conn.frames(models.CommandMessage)) == 1 }, waitFor, pollEvery)
	assert.Equal(t, fresh.ID, conn.frames(models.CommandMessage)[0].Get("id").Int())
	_, err := h.store.GetMessage(expired.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendFile(t *testing.T) {
	h := newHarness(t, nil)
	h.resumeOnline(t)
	h.api.uploadID = 777

	data := []byte("file contents file contents file contents")
	msg, err := h.session.SendFile(context.Background(), testPeerID, "notes.txt", data, FileOptions{Compression: models.CompressionGzip, MimeType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, int64(777), msg.ID)

	stored, err := h.store.GetMessage(777)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", stored.PropString(models.PropFilename))
	assert.Equal(t, "txt", stored.PropString(models.PropExtension))

	require.Len(t, h.api.uploads, 1)
	decoded, err := h.session.DecodeFile(stored, h.api.uploads[0].Data)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestSendFileFailureRemovesMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.resumeOnline(t)
	h.api.uploadErr = errors.New("upload rejected")

	_, err := h.session.SendFile(context.Background(), testPeerID, "a.bin", []byte{1, 2, 3}, FileOptions{})
	require.Error(t, err)

	failed := h.events.waitFor(t, EventMessageFailed, nil)
	_, err = h.store.GetMessage(failed.MessageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	pending, err := h.store.HasPendingMessages()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestOpenConversationMarksRead(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goOnline(t)

	conn.deliver(t, models.CommandPublish, wireMessage(21, testPeerID, "unread", 1700000070))
	h.events.waitFor(t, EventMessage, func(e Event) bool { return e.MessageID == 21 })

	count, err := h.session.UnreadCount(testPeerID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, h.session.OpenConversation(testPeerID))
	count, err = h.session.UnreadCount(testPeerID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	frames := conn.frames(models.CommandOpen)
	require.Len(t, frames, 1)
	assert.Equal(t, testPeerID, frames[0].Get("rid").String())
}

func TestConversationHistoryOverREST(t *testing.T) {
	h := newHarness(t, nil)
	h.resumeOnline(t)
	peerKey := h.api.addPeer(t, testPeerID)

	ciphertext, err := encryptWith(peerKey, "archived")
	require.NoError(t, err)
	archived := models.MessageFromWire(models.CommandMessage, []byte(mustJSON(t, wireMessage(31, testPeerID, ciphertext, 1700000080))), "app-key")
	archived.Props[models.PropEncrypted] = 1
	h.api.history = []*models.Message{archived}

	messages, err := h.session.GetConversationMessages(context.Background(), testPeerID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "archived", messages[0].Text)

	stored, err := h.store.GetMessage(31)
	require.NoError(t, err)
	assert.Equal(t, "archived", stored.Text)

	reloaded, err := h.session.ReloadSecureMessage(context.Background(), 31)
	require.NoError(t, err)
	assert.Equal(t, "archived", reloaded.Text)
}

func filterMessages(events []Event, id int64) []Event {
	var out []Event
	for _, event := range events {
		if event.MessageID == id {
			out = append(out, event)
		}
	}
	return out
}
