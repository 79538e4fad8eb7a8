package queues

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/districhat/service-gateway/service/business"
	"github.com/districhat/service-gateway/service/registry"
	"github.com/districhat/service-gateway/service/router"
)

// loopbackNetwork is an in-process pub/sub: publishing on a channel invokes
// the subscriber registered for it, the way the real queue layer connects
// two instances.
type loopbackNetwork struct {
	mu      sync.Mutex
	inboxes map[string]queue.SubscribeWorker
}

func newLoopbackNetwork() *loopbackNetwork {
	return &loopbackNetwork{inboxes: map[string]queue.SubscribeWorker{}}
}

func (n *loopbackNetwork) subscribe(channel string, worker queue.SubscribeWorker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inboxes[channel] = worker
}

func (n *loopbackNetwork) deliver(ctx context.Context, channel string, headers map[string]string, payload []byte) error {
	n.mu.Lock()
	worker, ok := n.inboxes[channel]
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("no subscriber on channel %s", channel)
	}
	return worker.Handle(ctx, headers, payload)
}

type loopbackPublisher struct {
	net     *loopbackNetwork
	channel string
}

func (p *loopbackPublisher) Initiated() bool            { return true }
func (p *loopbackPublisher) Ref() string                { return p.channel }
func (p *loopbackPublisher) Init(context.Context) error { return nil }
func (p *loopbackPublisher) Stop(context.Context) error { return nil }
func (p *loopbackPublisher) As(any) bool                { return false }

func (p *loopbackPublisher) Publish(ctx context.Context, msg any, headers ...map[string]string) error {
	data, _ := msg.([]byte)
	var hdr map[string]string
	if len(headers) > 0 {
		hdr = headers[0]
	}
	return p.net.deliver(ctx, p.channel, hdr, data)
}

type loopbackManager struct {
	net  *loopbackNetwork
	mu   sync.Mutex
	pubs map[string]queue.Publisher
}

func newLoopbackManager(net *loopbackNetwork) *loopbackManager {
	return &loopbackManager{net: net, pubs: map[string]queue.Publisher{}}
}

func (m *loopbackManager) AddPublisher(_ context.Context, name string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubs[name] = &loopbackPublisher{net: m.net, channel: name}
	return nil
}

func (m *loopbackManager) GetPublisher(name string) (queue.Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.pubs[name]
	if !ok {
		return nil, fmt.Errorf("publisher %s not registered", name)
	}
	return pub, nil
}

func (m *loopbackManager) DiscardPublisher(context.Context, string) error { return nil }

func (m *loopbackManager) AddSubscriber(context.Context, string, string, ...queue.SubscribeWorker) error {
	return nil
}

func (m *loopbackManager) DiscardSubscriber(context.Context, string) error { return nil }

func (m *loopbackManager) GetSubscriber(string) (queue.Subscriber, error) { return nil, nil }

func (m *loopbackManager) Publish(context.Context, string, any, ...map[string]string) error {
	return nil
}

func (m *loopbackManager) Init(context.Context) error { return nil }

// node is one simulated gateway instance.
type node struct {
	serverID string
	table    *business.ConnectionTable
	router   *router.MessageRouter
}

func newNode(t *testing.T, ctx context.Context, serverID string, reg registry.PresenceRegistry, net *loopbackNetwork) *node {
	t.Helper()

	table := business.NewConnectionTable(ctx, serverID, reg, business.NewSyncRunner())
	t.Cleanup(func() { _ = table.Shutdown(context.Background()) })

	net.subscribe("chat.ws.push."+serverID, NewRouterInbox(serverID, table))

	require.NoError(t, reg.RegisterServer(ctx, registry.ServerRecord{ServerID: serverID, Host: serverID}))

	return &node{
		serverID: serverID,
		table:    table,
		router:   router.NewMessageRouter(serverID, reg, table, newLoopbackManager(net), "mem://chat.ws.push.%s"),
	}
}

// Two instances share a registry and a pub/sub. User u1 connects device d1
// to the first instance and d2 to the second; a message to u1 must reach
// both devices, each exactly once.
func TestTwoNode_AllDevicesDelivery(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })
	net := newLoopbackNetwork()

	nodeA := newNode(t, ctx, "srv-a", reg, net)
	nodeB := newNode(t, ctx, "srv-b", reg, net)

	d1 := &fakeSender{}
	d2 := &fakeSender{}
	require.NoError(t, nodeA.table.Add(ctx, business.NewConnection("u1", "d1", d1)))
	require.NoError(t, nodeB.table.Add(ctx, business.NewConnection("u1", "d2", d2)))

	require.NoError(t, nodeA.router.DeliverToUser(ctx, "u1", []byte(`"hello"`)))

	assert.Equal(t, 1, d1.sent(), "local device gets the message once")
	assert.Equal(t, 1, d2.sent(), "remote device gets the message once")
}

func TestTwoNode_DeviceDelivery(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })
	net := newLoopbackNetwork()

	nodeA := newNode(t, ctx, "srv-a", reg, net)
	nodeB := newNode(t, ctx, "srv-b", reg, net)

	remote := &fakeSender{}
	require.NoError(t, nodeB.table.Add(ctx, business.NewConnection("u1", "d2", remote)))

	require.NoError(t, nodeA.router.DeliverToDevice(ctx, "u1", "d2", []byte(`"direct"`)))
	assert.Equal(t, 1, remote.sent())

	// Unknown device is unroutable from either instance.
	err := nodeA.router.DeliverToDevice(ctx, "u9", "d9", []byte(`"direct"`))
	assert.ErrorIs(t, err, router.ErrDeviceOffline)
}

func TestTwoNode_Broadcast(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })
	net := newLoopbackNetwork()

	nodeA := newNode(t, ctx, "srv-a", reg, net)
	nodeB := newNode(t, ctx, "srv-b", reg, net)

	onA := &fakeSender{}
	onB := &fakeSender{}
	require.NoError(t, nodeA.table.Add(ctx, business.NewConnection("u1", "d1", onA)))
	require.NoError(t, nodeB.table.Add(ctx, business.NewConnection("u2", "d1", onB)))

	require.NoError(t, nodeA.router.Broadcast(ctx, []byte(`"everyone"`)))

	assert.Equal(t, 1, onA.sent(), "broadcast reaches local connections via own channel")
	assert.Equal(t, 1, onB.sent(), "broadcast reaches remote connections")
}

func TestTwoNode_ReconnectMovesOwnership(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })
	net := newLoopbackNetwork()

	nodeA := newNode(t, ctx, "srv-a", reg, net)
	nodeB := newNode(t, ctx, "srv-b", reg, net)

	// Device first connects to srv-a, then reconnects through srv-b.
	first := &fakeSender{}
	conn := business.NewConnection("u1", "d1", first)
	require.NoError(t, nodeA.table.Add(ctx, conn))

	second := &fakeSender{}
	require.NoError(t, nodeB.table.Add(ctx, business.NewConnection("u1", "d1", second)))

	// srv-a notices the dead transport and removes its stale connection;
	// the claim already belongs to srv-b and must survive.
	nodeA.table.Remove(ctx, conn.ID())

	owner, err := reg.FindOwner(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "srv-b", owner)

	require.NoError(t, nodeB.router.DeliverToDevice(ctx, "u1", "d1", []byte(`"hi"`)))
	assert.Equal(t, 1, second.sent())
	assert.Equal(t, 0, first.sent())
}
