package queues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/districhat/service-gateway/service/business"
	"github.com/districhat/service-gateway/service/models"
	"github.com/districhat/service-gateway/service/registry"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	failSend bool
}

func (s *fakeSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSender) SendPing(context.Context) error      { return nil }
func (s *fakeSender) Close(context.Context, string) error { return nil }

func (s *fakeSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func newTestTable(t *testing.T, serverID string) *business.ConnectionTable {
	t.Helper()

	reg := registry.NewMemoryRegistry(registry.Options{})
	table := business.NewConnectionTable(context.Background(), serverID, reg, business.NewSyncRunner())
	t.Cleanup(func() {
		_ = table.Shutdown(context.Background())
		_ = reg.Close()
	})
	return table
}

func encodeEnvelope(t *testing.T, env *models.DeliveryEnvelope) []byte {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	return data
}

func TestInbox_DeviceEnvelope(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, "srv-a")
	inbox := NewRouterInbox("srv-a", table)

	sender := &fakeSender{}
	require.NoError(t, table.Add(ctx, business.NewConnection("u1", "d1", sender)))

	payload := encodeEnvelope(t, &models.DeliveryEnvelope{
		Kind:           models.KindDevice,
		TargetServerID: "srv-a",
		UserID:         "u1",
		DeviceID:       "d1",
		Payload:        json.RawMessage(`"hello"`),
	})

	require.NoError(t, inbox.Handle(ctx, nil, payload))
	assert.Equal(t, 1, sender.sent())
}

func TestInbox_DeviceEnvelopeForDisconnectedDevice(t *testing.T) {
	table := newTestTable(t, "srv-a")
	inbox := NewRouterInbox("srv-a", table)

	payload := encodeEnvelope(t, &models.DeliveryEnvelope{
		Kind:           models.KindDevice,
		TargetServerID: "srv-a",
		UserID:         "u1",
		DeviceID:       "d1",
		Payload:        json.RawMessage(`"hello"`),
	})

	// Dropped quietly; the consumer keeps running.
	assert.NoError(t, inbox.Handle(context.Background(), nil, payload))
}

func TestInbox_AllDevicesEnvelope(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, "srv-a")
	inbox := NewRouterInbox("srv-a", table)

	mine := []*fakeSender{{}, {}}
	other := &fakeSender{}
	require.NoError(t, table.Add(ctx, business.NewConnection("u1", "d1", mine[0])))
	require.NoError(t, table.Add(ctx, business.NewConnection("u1", "d2", mine[1])))
	require.NoError(t, table.Add(ctx, business.NewConnection("u2", "d1", other)))

	payload := encodeEnvelope(t, &models.DeliveryEnvelope{
		Kind:           models.KindAllDevices,
		TargetServerID: "srv-a",
		UserID:         "u1",
		Payload:        json.RawMessage(`"hello"`),
	})

	require.NoError(t, inbox.Handle(ctx, nil, payload))
	assert.Equal(t, 1, mine[0].sent())
	assert.Equal(t, 1, mine[1].sent())
	assert.Equal(t, 0, other.sent(), "other users are untouched")
}

func TestInbox_BroadcastEnvelope(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, "srv-a")
	inbox := NewRouterInbox("srv-a", table)

	senders := []*fakeSender{{}, {}, {}}
	require.NoError(t, table.Add(ctx, business.NewConnection("u1", "d1", senders[0])))
	require.NoError(t, table.Add(ctx, business.NewConnection("u2", "d1", senders[1])))
	require.NoError(t, table.Add(ctx, business.NewConnection("u3", "d1", senders[2])))

	payload := encodeEnvelope(t, &models.DeliveryEnvelope{
		Kind:           models.KindBroadcast,
		TargetServerID: "srv-a",
		Payload:        json.RawMessage(`"announcement"`),
	})

	require.NoError(t, inbox.Handle(ctx, nil, payload))
	for _, sender := range senders {
		assert.Equal(t, 1, sender.sent())
	}
}

func TestInbox_DropsMisroutedEnvelope(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t, "srv-a")
	inbox := NewRouterInbox("srv-a", table)

	sender := &fakeSender{}
	require.NoError(t, table.Add(ctx, business.NewConnection("u1", "d1", sender)))

	payload := encodeEnvelope(t, &models.DeliveryEnvelope{
		Kind:           models.KindDevice,
		TargetServerID: "srv-b",
		UserID:         "u1",
		DeviceID:       "d1",
		Payload:        json.RawMessage(`"hello"`),
	})

	require.NoError(t, inbox.Handle(ctx, nil, payload))
	assert.Equal(t, 0, sender.sent(), "misrouted envelope must not be delivered")
}

func TestInbox_DropsMalformedEnvelope(t *testing.T) {
	table := newTestTable(t, "srv-a")
	inbox := NewRouterInbox("srv-a", table)

	// Handle must not return errors for undecodable payloads; an error would
	// make the queue redeliver the same poison message forever.
	assert.NoError(t, inbox.Handle(context.Background(), nil, []byte("{broken")))
	assert.NoError(t, inbox.Handle(context.Background(), nil, nil))
	assert.NoError(t, inbox.Handle(context.Background(), nil,
		[]byte(`{"kind":"WHISPER","target_server_id":"srv-a"}`)))
}
