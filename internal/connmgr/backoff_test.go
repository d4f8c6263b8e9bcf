package connmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Run("DoublesUpToMax", func(t *testing.T) {
		b := newBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond})
		want := []time.Duration{100, 200, 400, 500, 500}
		for i, w := range want {
			assert.Equal(t, w*time.Millisecond, b.Next(), "attempt %d", i)
		}
		b.Reset()
		assert.Equal(t, 100*time.Millisecond, b.Next())
	})

	t.Run("Defaults", func(t *testing.T) {
		b := newBackoff(BackoffConfig{})
		assert.Equal(t, InitialRestartDelay, b.Next())
		assert.Equal(t, MaxRestartDelay, b.max)
	})

	t.Run("JitterWithinBounds", func(t *testing.T) {
		b := newBackoff(BackoffConfig{Initial: time.Second, Max: time.Second, Jitter: 0.25})
		for i := 0; i < 50; i++ {
			d := b.Next()
			require.GreaterOrEqual(t, d, time.Second)
			require.LessOrEqual(t, d, 1250*time.Millisecond)
		}
	})
}

func TestEventQueue(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 100; i++ {
		q.push(Event{Kind: EventBytesReceived, Payload: []byte{byte(i)}})
	}
	q.close()
	q.push(Event{Kind: EventNotice}) // dropped after close

	var got []byte
	for ev := range q.out {
		got = append(got, ev.Payload[0])
	}
	require.Len(t, got, 100)
	for i, b := range got {
		assert.Equal(t, byte(i), b)
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "insecure", Insecure.String())
	assert.Equal(t, "session-failed", NoticeSessionFailed.String())
	assert.Equal(t, "bytes-received", EventBytesReceived.String())
	assert.Equal(t, "AA:BB", RemoteEndpoint{Address: "AA:BB"}.String())
	assert.Equal(t, "phone", RemoteEndpoint{Address: "AA:BB", Name: "phone"}.String())
}
