package room

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxelink/mediabridge/internal/v1/config"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

func testTransportCfg() config.TransportConfig {
	return config.TransportConfig{
		ListenIPs:                       []media.ListenIP{{IP: "127.0.0.1"}},
		InitialAvailableOutgoingBitrate: 1_000_000,
		MinimumAvailableOutgoingBitrate: 600_000,
		MaximumAvailableOutgoingBitrate: 3_000_000,
		FactorIncomingBitrate:           0.75,
		MaxSctpMessageSize:              262144,
	}
}

// newTestRoom creates a room on a fresh fake worker and cleans it up with the
// test.
func newTestRoom(t *testing.T) (*Room, *fakeWorker) {
	t.Helper()
	worker := &fakeWorker{pid: 100}
	r, err := New(context.Background(), "test-session", 0, worker, config.DefaultMediaCodecs(), testTransportCfg(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close(context.Background())
		r.Wait()
	})
	return r, worker
}

func defaultCaps() types.ProducerCapabilities {
	return types.ProducerCapabilities{
		ProducerAudioEnabled: true,
		ProducerVideoEnabled: true,
		GlobalAudioEnabled:   true,
		GlobalVideoEnabled:   true,
	}
}

var testRtpCapabilities = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`)

// admit registers a participant record without joining.
func admit(t *testing.T, r *Room, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	require.NoError(t, r.AddClient(context.Background(), conn))
	return conn
}

// join runs the full admission: addClient then joinRoom.
func join(t *testing.T, r *Room, id string) *fakeConn {
	t.Helper()
	conn := admit(t, r, id)
	_, err := r.JoinRoom(context.Background(), conn, testRtpCapabilities, defaultCaps())
	require.NoError(t, err)
	return conn
}

// command runs one media command through the dispatcher.
func command(t *testing.T, r *Room, conn *fakeConn, action types.MediaAction, data any) (any, error) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	return r.HandleCommand(context.Background(), conn, types.MediaMessage{Action: action, Data: raw})
}

// createTransports gives the participant both transports.
func createTransports(t *testing.T, r *Room, conn *fakeConn) {
	t.Helper()
	for _, kind := range []types.TransportKind{types.TransportProducer, types.TransportConsumer} {
		_, err := command(t, r, conn, types.ActionCreateWebRtcTransport, map[string]string{"kind": string(kind)})
		require.NoError(t, err)
	}
}

// produce publishes one flow and returns the producer id.
func produce(t *testing.T, r *Room, conn *fakeConn, kind string, tag types.MediaTag) string {
	t.Helper()
	result, err := command(t, r, conn, types.ActionProduce, map[string]any{
		"kind":          kind,
		"rtpParameters": json.RawMessage(`{"codecs":[]}`),
		"appData":       map[string]string{"mediaTag": string(tag)},
	})
	require.NoError(t, err)
	ids, ok := result.(map[string]string)
	require.True(t, ok, "produce result should carry the producer id")
	return ids["id"]
}

// participant reaches into room state. Callers must not hold the room lock.
func participant(r *Room, id string) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participants[types.UserID(id)]
}
