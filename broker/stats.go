package broker

import (
	"sync/atomic"
	"time"
)

// BrokerStats holds the broker-wide observational counters. They are
// correctness-neutral: nothing reads them to make decisions. An external
// observer polls Snapshot.
type BrokerStats struct {
	messagesPublished   atomic.Int64
	publishFailures     atomic.Int64
	bytesPublished      atomic.Int64
	messagesReceived    atomic.Int64
	messagesDelivered   atomic.Int64
	messagesFailed      atomic.Int64
	messagesDropped     atomic.Int64
	messagesDeadLetter  atomic.Int64
	activeSubscriptions atomic.Int64
}

// NewBrokerStats creates a zeroed stats collector.
func NewBrokerStats() *BrokerStats {
	return &BrokerStats{}
}

func (s *BrokerStats) RecordPublish(bytes int) {
	s.messagesPublished.Add(1)
	s.bytesPublished.Add(int64(bytes))
}

func (s *BrokerStats) RecordPublishFailure() {
	s.publishFailures.Add(1)
}

func (s *BrokerStats) RecordReceived() {
	s.messagesReceived.Add(1)
}

func (s *BrokerStats) RecordDelivered() {
	s.messagesDelivered.Add(1)
}

func (s *BrokerStats) RecordDeliveryFailure() {
	s.messagesFailed.Add(1)
}

func (s *BrokerStats) RecordDropped() {
	s.messagesDropped.Add(1)
}

func (s *BrokerStats) RecordDeadLettered() {
	s.messagesDeadLetter.Add(1)
}

func (s *BrokerStats) SubscriptionOpened() {
	s.activeSubscriptions.Add(1)
}

func (s *BrokerStats) SubscriptionClosed() {
	s.activeSubscriptions.Add(-1)
}

// StatsSnapshot is a point-in-time copy of the broker counters.
type StatsSnapshot struct {
	MessagesPublished   int64     `json:"messagesPublished"`
	PublishFailures     int64     `json:"publishFailures"`
	BytesPublished      int64     `json:"bytesPublished"`
	MessagesReceived    int64     `json:"messagesReceived"`
	MessagesDelivered   int64     `json:"messagesDelivered"`
	MessagesFailed      int64     `json:"messagesFailed"`
	MessagesDropped     int64     `json:"messagesDropped"`
	MessagesDeadLetter  int64     `json:"messagesDeadLettered"`
	ActiveSubscriptions int64     `json:"activeSubscriptions"`
	Timestamp           time.Time `json:"timestamp"`
}

// Snapshot returns a copy of the current counter values.
func (s *BrokerStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished:   s.messagesPublished.Load(),
		PublishFailures:     s.publishFailures.Load(),
		BytesPublished:      s.bytesPublished.Load(),
		MessagesReceived:    s.messagesReceived.Load(),
		MessagesDelivered:   s.messagesDelivered.Load(),
		MessagesFailed:      s.messagesFailed.Load(),
		MessagesDropped:     s.messagesDropped.Load(),
		MessagesDeadLetter:  s.messagesDeadLetter.Load(),
		ActiveSubscriptions: s.activeSubscriptions.Load(),
		Timestamp:           time.Now().UTC(),
	}
}
