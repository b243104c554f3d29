package events

import (
	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/metrics"
)

// LogSink drains the broker into the structured log, making every
// published event operator-visible, and feeds the per-type event
// counter. Faults and hard budget crossings log at warn level.
type LogSink struct {
	broker *Broker
	logger zerolog.Logger
	sub    Subscriber
	done   chan struct{}
}

// NewLogSink creates a sink over the broker. Call Start to subscribe.
func NewLogSink(b *Broker, logger zerolog.Logger) *LogSink {
	return &LogSink{
		broker: b,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the broker and begins consuming events.
func (s *LogSink) Start() {
	s.sub = s.broker.Subscribe()
	go s.run()
}

// Stop unsubscribes and waits for the drain loop to finish.
func (s *LogSink) Stop() {
	if s.sub == nil {
		return
	}
	s.broker.Unsubscribe(s.sub)
	<-s.done
}

func (s *LogSink) run() {
	defer close(s.done)
	for ev := range s.sub {
		metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()

		line := s.logger.Info()
		switch ev.Type {
		case EventPlatformFault, EventBudgetHardLimit, EventInstanceUnhealthy:
			line = s.logger.Warn()
		}
		for k, v := range ev.Metadata {
			line = line.Str(k, v)
		}
		line.Str("event", string(ev.Type)).Msg(ev.Message)
	}
}
