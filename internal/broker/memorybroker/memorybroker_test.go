package memorybroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
)

func TestSendThenReceive(t *testing.T) {
	l := New("orders", 10)
	defer l.Close()

	err := l.SendDefault(context.Background(), &broker.Message{Body: "hi"}, broker.DeliveryNonPersistent, 4, 0)
	require.NoError(t, err)

	m, err := l.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "hi", m.Body)
}

func TestReceiveNoWaitReturnsNilWhenEmpty(t *testing.T) {
	l := New("orders", 10)
	defer l.Close()

	m, err := l.Receive(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestReceiveTimesOutWhenEmpty(t *testing.T) {
	l := New("orders", 10)
	defer l.Close()

	start := time.Now()
	m, err := l.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDefaultDestination(t *testing.T) {
	l := New("orders", 10)
	defer l.Close()
	dd, ok := l.DefaultDestination()
	assert.True(t, ok)
	assert.Equal(t, "orders", dd)

	l2 := New("", 10)
	defer l2.Close()
	_, ok = l2.DefaultDestination()
	assert.False(t, ok)
}

func TestListenDeliversPushed(t *testing.T) {
	l := New("orders", 10)
	defer l.Close()

	received := make(chan *broker.Message, 1)
	l.Listen(func(m *broker.Message) { received <- m })

	err := l.Send(context.Background(), "orders", &broker.Message{Body: "pushed"}, broker.DeliveryNonPersistent, 0, 0)
	require.NoError(t, err)

	select {
	case m := <-received:
		assert.Equal(t, "pushed", m.Body)
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	l := New("orders", 10)
	require.NoError(t, l.Close())

	err := l.Send(context.Background(), "orders", &broker.Message{Body: "x"}, broker.DeliveryNonPersistent, 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New("orders", 10)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
