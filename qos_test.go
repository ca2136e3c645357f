package mqttv3

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDAllocator(t *testing.T) {
	t.Run("sequential from one", func(t *testing.T) {
		a := NewPacketIDAllocator()
		assert.Equal(t, uint16(1), a.Next())
		assert.Equal(t, uint16(2), a.Next())
		assert.Equal(t, uint16(3), a.Next())
	})

	t.Run("wraps to one", func(t *testing.T) {
		a := NewPacketIDAllocator()
		a.last = maxPacketID - 1

		assert.Equal(t, uint16(65535), a.Next())
		assert.Equal(t, uint16(1), a.Next())
	})

	t.Run("never returns zero", func(t *testing.T) {
		a := NewPacketIDAllocator()
		for range 2 * maxPacketID {
			require.NotZero(t, a.Next())
		}
	})

	t.Run("concurrent allocation is unique within a cycle", func(t *testing.T) {
		a := NewPacketIDAllocator()

		var mu sync.Mutex
		seen := make(map[uint16]struct{})

		var wg sync.WaitGroup
		for range 10 {
			wg.Go(func() {
				for range 100 {
					id := a.Next()
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}
			})
		}
		wg.Wait()

		assert.Len(t, seen, 1000)
	})
}

func TestOutboundStateString(t *testing.T) {
	assert.Equal(t, "awaiting PUBACK", OutboundAwaitingPuback.String())
	assert.Equal(t, "awaiting PUBREC", OutboundAwaitingPubrec.String())
	assert.Equal(t, "awaiting PUBCOMP", OutboundAwaitingPubcomp.String())
	assert.Equal(t, "unknown", OutboundState(99).String())
}

func TestOutboundTracker(t *testing.T) {
	t.Run("qos 1 flow", func(t *testing.T) {
		tr := NewOutboundTracker()
		tr.Track(1, "a/b", QoS1)

		msg, ok := tr.Get(1)
		require.True(t, ok)
		assert.Equal(t, OutboundAwaitingPuback, msg.State)
		assert.Equal(t, "a/b", msg.Topic)
		assert.False(t, msg.SentAt.IsZero())

		_, ok = tr.Pubrec(1)
		assert.False(t, ok, "PUBREC does not apply to qos 1")

		msg, ok = tr.Puback(1)
		require.True(t, ok)
		assert.Equal(t, uint16(1), msg.PacketID)
		assert.Zero(t, tr.Count())
	})

	t.Run("qos 2 flow", func(t *testing.T) {
		tr := NewOutboundTracker()
		tr.Track(2, "a/b", QoS2)

		_, ok := tr.Pubcomp(2)
		assert.False(t, ok, "PUBCOMP before PUBREC")

		msg, ok := tr.Pubrec(2)
		require.True(t, ok)
		assert.Equal(t, OutboundAwaitingPubcomp, msg.State)

		_, ok = tr.Pubrec(2)
		assert.False(t, ok)

		_, ok = tr.Pubcomp(2)
		require.True(t, ok)
		assert.Zero(t, tr.Count())
	})

	t.Run("unknown identifiers are ignored", func(t *testing.T) {
		tr := NewOutboundTracker()

		_, ok := tr.Puback(9)
		assert.False(t, ok)
		_, ok = tr.Pubrec(9)
		assert.False(t, ok)
		_, ok = tr.Pubcomp(9)
		assert.False(t, ok)
	})

	t.Run("forget and clear", func(t *testing.T) {
		tr := NewOutboundTracker()
		tr.Track(1, "a", QoS1)
		tr.Track(2, "b", QoS2)
		tr.Track(3, "c", QoS2)
		assert.Equal(t, 3, tr.Count())

		tr.Forget(2)
		assert.Equal(t, 2, tr.Count())
		_, ok := tr.Get(2)
		assert.False(t, ok)

		tr.Clear()
		assert.Zero(t, tr.Count())
	})
}

func TestInboundTracker(t *testing.T) {
	tr := NewInboundTracker()
	assert.False(t, tr.IsAwaiting(5))

	tr.AwaitPubrel(5)
	tr.AwaitPubrel(5)
	assert.True(t, tr.IsAwaiting(5))
	assert.Equal(t, 1, tr.Count())

	assert.True(t, tr.Release(5))
	assert.False(t, tr.Release(5))
	assert.False(t, tr.IsAwaiting(5))

	tr.AwaitPubrel(1)
	tr.AwaitPubrel(2)
	tr.Clear()
	assert.Zero(t, tr.Count())
}
