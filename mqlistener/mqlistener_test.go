package mqlistener

import (
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/rootagent"
	"github.com/taskforge/orchestrator/task"
)

type fakeAcknowledger struct {
	acked, nacked  bool
	nackedRequeue  bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.nackedRequeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

type fakeRouter struct {
	agent *rootagent.Agent
	err   error
}

func (f *fakeRouter) RouteFor(string) (*rootagent.Agent, error) {
	return f.agent, f.err
}

func testAgent() *rootagent.Agent {
	return rootagent.New("root", nil, nil, task.NewMemoryStore(), nil, nil, nil)
}

func TestHandleNacksMalformedEnvelope(t *testing.T) {
	ack := &fakeAcknowledger{}
	l := New(nil, "q", &fakeRouter{agent: testAgent()}, nil, nil, 0, func(context.Context, *rootagent.Agent, Envelope) error {
		t.Fatal("dispatch should not be reached for a malformed envelope")
		return nil
	})

	l.handle(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte("not json")})
	assert.True(t, ack.nacked)
	assert.False(t, ack.acked)
}

func TestHandleRoutesAndDispatchesValidEnvelope(t *testing.T) {
	ack := &fakeAcknowledger{}
	var dispatched Envelope
	l := New(nil, "q", &fakeRouter{agent: testAgent()}, nil, nil, 0, func(_ context.Context, _ *rootagent.Agent, env Envelope) error {
		dispatched = env
		return nil
	})

	body := `{"kind":"START_TASK","message_id":"m-1","utterance":"do the thing"}`
	l.handle(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte(body)})

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, KindStartTask, dispatched.Kind)
	assert.Equal(t, "do the thing", dispatched.Utterance)
}

func TestHandleNacksOnRoutingFailure(t *testing.T) {
	ack := &fakeAcknowledger{}
	l := New(nil, "q", &fakeRouter{err: assert.AnError}, nil, nil, 0, func(context.Context, *rootagent.Agent, Envelope) error {
		t.Fatal("dispatch should not be reached when routing fails")
		return nil
	})

	body := `{"kind":"START_TASK","message_id":"m-2"}`
	l.handle(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte(body)})

	assert.True(t, ack.nacked)
	assert.False(t, ack.nackedRequeue)
}

func TestHandleNacksOnDispatchFailure(t *testing.T) {
	ack := &fakeAcknowledger{}
	l := New(nil, "q", &fakeRouter{agent: testAgent()}, nil, nil, 0, func(context.Context, *rootagent.Agent, Envelope) error {
		return assert.AnError
	})

	body := `{"kind":"START_TASK","message_id":"m-3"}`
	l.handle(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte(body)})

	assert.True(t, ack.nacked)
	assert.False(t, ack.acked)
}

func TestIsDuplicateDisabledWithNilDedupClient(t *testing.T) {
	l := New(nil, "q", &fakeRouter{agent: testAgent()}, nil, nil, 0, nil)

	dup, err := l.isDuplicate(context.Background(), "m-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIsDuplicateDisabledForEmptyMessageID(t *testing.T) {
	l := New(nil, "q", &fakeRouter{agent: testAgent()}, nil, nil, 0, nil)

	dup, err := l.isDuplicate(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, dup)
}
