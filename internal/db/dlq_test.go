package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDLQInsertAndResolve(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	emailID := seedEPQ(t, d, userID, "msg-1")

	id, err := d.InsertDLQ(DeadLetterQueue{
		EmailQueueID:      emailID,
		OperationType:     OpTypeSendEmail,
		ProviderMessageID: "msg-1",
		ErrorType:         "quota_exceeded",
		ErrorMessage:      "daily send limit exceeded",
		RetryCount:        3,
		ContextJSON:       `{}`,
	})
	require.NoError(t, err)

	unresolved, err := d.ListUnresolvedDLQ(10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	require.Equal(t, id, unresolved[0].ID)

	require.NoError(t, d.ResolveDLQ(id))
	unresolved, err = d.ListUnresolvedDLQ(10)
	require.NoError(t, err)
	require.Len(t, unresolved, 0)
}

func TestManualNotificationLifecycle(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	emailID := seedEPQ(t, d, userID, "msg-1")

	id, err := d.InsertManualNotification(emailID, "chat-1", "review needed", `[]`, "chat_blocked")
	require.NoError(t, err)

	pending, err := d.ListPendingManualNotifications(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, d.BumpManualNotificationRetry(id))
	require.NoError(t, d.MarkManualNotificationDelivered(id))

	pending, err = d.ListPendingManualNotifications(10)
	require.NoError(t, err)
	require.Len(t, pending, 0)
}
