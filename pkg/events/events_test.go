package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type published struct {
	subject string
	data    []byte
}

// fakePublisher records messages and fails the first failures calls.
type fakePublisher struct {
	mu       sync.Mutex
	msgs     []published
	failures int
	calls    int
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("nats: connection closed")
	}
	p.msgs = append(p.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (p *fakePublisher) messages(t *testing.T) []Message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	for i, m := range p.msgs {
		require.NoError(t, sonic.Unmarshal(m.data, &out[i]))
	}
	return out
}

func testConnConfig() *natsconn.ConnectionConfig {
	cfg := natsconn.DefaultConnectionConfig("nats://127.0.0.1:4222")
	cfg.PublishRetryWait = time.Millisecond
	return cfg
}

// runChain executes const -> text case upper and flushes the event queue.
func runChain(t *testing.T, listeners ...workflow.Listener) (*workflow.Manager, []*workflow.NativeNode) {
	t.Helper()
	m, err := workflow.NewProject("events", workflow.DefaultConfig().WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	for _, l := range listeners {
		m.AddListener(l)
	}

	src, err := m.AddNode(nodes.ConstantFactory("a"))
	require.NoError(t, err)
	up, err := m.AddNode(nodes.TextCaseFactory(nodes.CaseUpper))
	require.NoError(t, err)
	_, err = m.AddConnection(workflow.ConnectionSpec{Source: src.ID(), Dest: up.ID()})
	require.NoError(t, err)

	m.ExecuteAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitWhileInExecution(ctx))
	m.FlushEvents()
	return m, []*workflow.NativeNode{src, up}
}

func TestNewMessage(t *testing.T) {
	node := nodeid.MustParse("0:3")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		ev    workflow.Event
		check func(t *testing.T, m Message)
	}{
		{
			name: "state change",
			ev: workflow.Event{Type: workflow.EventNodeStateChanged, Workflow: nodeid.Root(0), NodeID: node,
				OldState: workflow.StateConfigured, NewState: workflow.StateMarked, Time: now},
			check: func(t *testing.T, m Message) {
				assert.Equal(t, "node_state_changed", m.Type)
				assert.Equal(t, "0:3", m.NodeID)
				assert.Equal(t, workflow.StateConfigured.String(), m.OldState)
				assert.Equal(t, workflow.StateMarked.String(), m.NewState)
				assert.Empty(t, m.Origin)
				assert.Equal(t, now, m.Time)
			},
		},
		{
			name: "failed execution",
			ev: workflow.Event{Type: workflow.EventNodeExecuted, NodeID: node,
				Status: workflow.ExecutionStatus{Outcome: workflow.OutcomeFailure, Err: errors.New("boom")}},
			check: func(t *testing.T, m Message) {
				assert.Equal(t, "failure", m.Outcome)
				assert.Equal(t, "boom", m.Error)
			},
		},
		{
			name: "message",
			ev: workflow.Event{Type: workflow.EventNodeMessageChanged, NodeID: node,
				Message: workflow.Message{Type: workflow.MessageWarning, Text: "careful"}},
			check: func(t *testing.T, m Message) {
				assert.Equal(t, "WARNING: careful", m.Message)
				assert.Empty(t, m.NewState)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMessage(tt.ev, "run-1")
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, "run-1", m.RunID)
			tt.check(t, m)
		})
	}
}

func TestNewMessage_InnerEventOrigin(t *testing.T) {
	pub := &fakePublisher{}
	p, err := NewNATSPublisher(pub, testConnConfig(), zap.NewNop(), WithEventTypes(workflow.EventNodeExecuted))
	require.NoError(t, err)

	m, err := workflow.NewProject("origin", workflow.DefaultConfig().WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	m.AddListener(p)

	src, err := m.AddNode(nodes.ConstantFactory("x"))
	require.NoError(t, err)
	comp, err := m.AddComposite("wrap", []workflow.PortType{workflow.DataPort}, []workflow.PortType{workflow.DataPort})
	require.NoError(t, err)
	_, err = comp.Inner().AddConnection(workflow.ConnectionSpec{Source: comp.VirtualIn(), Dest: comp.VirtualOut()})
	require.NoError(t, err)
	_, err = m.AddConnection(workflow.ConnectionSpec{Source: src.ID(), Dest: comp.ID()})
	require.NoError(t, err)

	m.ExecuteAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitWhileInExecution(ctx))
	m.FlushEvents()

	var inner int
	for _, msg := range pub.messages(t) {
		if msg.Origin != "" {
			assert.Equal(t, comp.ID().String(), msg.Origin)
			inner++
		}
	}
	assert.Equal(t, 2, inner, "virtual in and out run on behalf of the composite")
}

func TestNATSPublisher_PublishesExecution(t *testing.T) {
	pub := &fakePublisher{}
	p, err := NewNATSPublisher(pub, testConnConfig(), zap.NewNop(),
		WithRunID("run-7"), WithEventTypes(workflow.EventNodeExecuted))
	require.NoError(t, err)

	_, ns := runChain(t, p)

	msgs := pub.messages(t)
	require.Len(t, msgs, 2)
	for i, msg := range msgs {
		assert.Equal(t, "daedalus.events.node_executed", pub.msgs[i].subject)
		assert.Equal(t, "run-7", msg.RunID)
		assert.Equal(t, "success", msg.Outcome)
		assert.Equal(t, ns[i].ID().String(), msg.NodeID)
	}
	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Zero(t, stats.Failed)
	assert.Positive(t, stats.Skipped)
}

func TestNATSPublisher_Retries(t *testing.T) {
	ev := workflow.Event{Type: workflow.EventNodeAdded, NodeID: nodeid.MustParse("0:1"), Time: time.Now()}

	pub := &fakePublisher{failures: 2}
	p, err := NewNATSPublisher(pub, testConnConfig(), zap.NewNop())
	require.NoError(t, err)
	p.OnEvent(ev)
	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, PublisherStats{Published: 1}, p.Stats())

	pub = &fakePublisher{failures: 10}
	p, err = NewNATSPublisher(pub, testConnConfig(), zap.NewNop())
	require.NoError(t, err)
	p.OnEvent(ev)
	assert.Equal(t, 4, pub.calls, "one attempt plus three retries")
	assert.Equal(t, PublisherStats{Failed: 1}, p.Stats())
}

func TestNewNATSPublisher_Validation(t *testing.T) {
	_, err := NewNATSPublisher(nil, testConnConfig(), zap.NewNop())
	assert.Error(t, err)
	_, err = NewNATSPublisher(&fakePublisher{}, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewNATSPublisher(&fakePublisher{}, testConnConfig(), nil)
	assert.Error(t, err)

	cfg := testConnConfig()
	cfg.SubjectPrefix = ""
	p, err := NewNATSPublisher(&fakePublisher{}, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "daedalus.events.node_removed", p.Subject(workflow.EventNodeRemoved))
}

func TestNATSConnect_Live(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg := testConnConfig()
	cfg.Timeout = time.Second
	cfg.MaxReconnects = 0
	conn, err := natsconn.Connect(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer natsconn.Close(conn)

	sub, err := conn.SubscribeSync("daedalus.events.>")
	require.NoError(t, err)
	p, err := NewNATSPublisher(conn, cfg, zap.NewNop(), WithEventTypes(workflow.EventNodeExecuted))
	require.NoError(t, err)
	runChain(t, p)
	require.NoError(t, conn.Flush())

	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "daedalus.events.node_executed", msg.Subject)
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRecorder(t *testing.T) {
	mr, client := newMiniRedis(t)
	rec, err := NewRedisRecorder(client, "", "run-1", time.Hour, zap.NewNop())
	require.NoError(t, err)

	m, ns := runChain(t, rec)
	ctx := context.Background()

	states, err := rec.States(ctx)
	require.NoError(t, err)
	outcomes, err := rec.Outcomes(ctx)
	require.NoError(t, err)
	for _, n := range ns {
		assert.Equal(t, workflow.StateExecuted.String(), states[n.ID().String()])
		assert.Equal(t, "success", outcomes[n.ID().String()])
	}
	assert.Equal(t, time.Hour, mr.TTL("daedalus:run-1:state"))

	require.NoError(t, m.RemoveNode(ns[1].ID()))
	m.FlushEvents()
	states, err = rec.States(ctx)
	require.NoError(t, err)
	assert.NotContains(t, states, ns[1].ID().String())
	assert.Contains(t, states, ns[0].ID().String())
}

func TestRedisRecorder_RecordsMessages(t *testing.T) {
	_, client := newMiniRedis(t)
	rec, err := NewRedisRecorder(client, "wf", "run-2", 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultStateTTL, rec.ttl)

	m, err := workflow.NewProject("msgs", workflow.DefaultConfig().WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	m.AddListener(rec)
	n, err := m.AddNode(nodes.ConstantFactory(nil))
	require.NoError(t, err)
	m.FlushEvents()

	msgs, err := rec.Messages(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msgs[n.ID().String()], "no value configured")
}

func TestRedisRecorder_ServerDown(t *testing.T) {
	mr, client := newMiniRedis(t)
	rec, err := NewRedisRecorder(client, "", "run-3", 0, zap.NewNop())
	require.NoError(t, err)
	rec.timeout = 200 * time.Millisecond
	mr.Close()

	assert.NotPanics(t, func() {
		rec.OnEvent(workflow.Event{Type: workflow.EventNodeStateChanged, NodeID: nodeid.MustParse("0:1")})
	})
}

func TestNewRedisRecorder_Validation(t *testing.T) {
	_, client := newMiniRedis(t)
	_, err := NewRedisRecorder(nil, "", "run", 0, zap.NewNop())
	assert.Error(t, err)
	_, err = NewRedisRecorder(client, "", "", 0, zap.NewNop())
	assert.Error(t, err)
	_, err = NewRedisRecorder(client, "", "run", 0, nil)
	assert.Error(t, err)

	_, err = NewRedisClient(context.Background(), "not-a-url")
	assert.Error(t, err)
}
