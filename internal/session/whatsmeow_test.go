package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/whatsmeow/types"
)

func TestTransportTeardownDuringEventBurst(t *testing.T) {
	tr := &whatsmeowTransport{
		tenantID: "school-1",
		events:   make(chan Event, 4),
	}

	// Consumer mirrors pumpEvents: drains until the channel closes.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range tr.Events() {
		}
	}()

	// Emitters stand in for whatsmeow's callback goroutines, which keep
	// firing while the actor tears the transport down.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tr.emit(DisconnectedEvent{Reason: "flaky network"})
			}
		}()
	}

	time.Sleep(time.Millisecond)
	assert.True(t, tr.closeEvents())

	wg.Wait()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("event channel never closed")
	}
}

func TestTransportCloseEventsIdempotent(t *testing.T) {
	tr := &whatsmeowTransport{events: make(chan Event, 1)}

	assert.True(t, tr.closeEvents())
	assert.False(t, tr.closeEvents())
	assert.False(t, tr.closeEvents())

	// Late events from an already-closed transport are dropped, not sent.
	tr.emit(ConnectedEvent{})
}

func TestParseRecipientJID(t *testing.T) {
	jid, err := parseRecipientJID("5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", jid.User)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	jid, err = parseRecipientJID("+55 (11) 99999-0000")
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", jid.User)

	jid, err = parseRecipientJID("5511999990000@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", jid.User)

	_, err = parseRecipientJID("")
	require.Error(t, err)

	_, err = parseRecipientJID("1234")
	require.Error(t, err)
}
