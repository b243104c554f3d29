package events

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer makes the sink goroutine's writes safe to read from the
// test goroutine.
type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestLogSinkWritesPublishedEvents(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	buf := &syncBuffer{}
	sink := NewLogSink(broker, zerolog.New(buf))
	sink.Start()
	t.Cleanup(sink.Stop)

	broker.Publish(&Event{
		Type:     EventPlatformFault,
		Message:  "video workers failing to start",
		Metadata: map[string]string{"job_type": "video"},
	})
	broker.Publish(&Event{
		Type:    EventScaleUp,
		Message: "scaled video up by 1",
	})

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "platform.fault") && strings.Contains(out, "scale.up")
	}, 2*time.Second, 10*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`, "faults must log at warn")
	assert.Contains(t, out, `"job_type":"video"`, "metadata carries through")
}

func TestLogSinkStopBeforeStart(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sink := NewLogSink(broker, zerolog.Nop())
	sink.Stop() // never started; must not block or panic
}
