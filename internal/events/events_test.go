package events

import (
	"testing"
	"time"

	"github.com/bborn/mailassist/internal/db"
	"github.com/stretchr/testify/require"
)

func TestEmitSyncLogsToDatabase(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	m := NewSilent(d)
	m.EmitSync(Event{Type: EventEmailClassified, EmailQueueID: 1, Message: "classified"})

	var count int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM event_log WHERE event_type = ?`, EventEmailClassified).Scan(&count))
	require.Equal(t, 1, count)
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	m := NewSilent(d)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Emit(Event{Type: EventIndexingStarted, UserID: 1})

	select {
	case e := <-ch:
		require.Equal(t, EventIndexingStarted, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event broadcast")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	m := NewSilent(d)
	ch := m.Subscribe()
	m.Unsubscribe(ch)

	_, ok := <-ch
	require.False(t, ok)
}
