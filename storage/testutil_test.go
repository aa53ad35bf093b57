package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"monkeykit/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustSaveMessage(t *testing.T, store *Store, id int64, sender, recipient string, created float64) *models.Message {
	t.Helper()

	message := models.NewOutgoingMessage(time.Unix(int64(created), 0), sender, recipient, models.CommandMessage, models.TypeText)
	message.ID = id
	message.ReadByUser = false
	message.Text = "text-" + sender
	message.EncryptedText = message.Text
	require.NoError(t, store.SaveMessage(message), "save message %d", id)
	return message
}
