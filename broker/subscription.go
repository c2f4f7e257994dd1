package broker

import (
	"sync"
	"time"

	"github.com/hubrelay/hubrelay-go/contracts"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPaused    SubscriptionStatus = "paused"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusError     SubscriptionStatus = "error"
)

// Subscription is a durable, process-lifetime registration of a webhook
// consumer against an exact channel or glob pattern. The registry is the sole
// owner; the delivery engine holds a reference only while its worker runs.
type Subscription struct {
	ID                  string
	ServiceName         string
	ChannelPattern      string
	CallbackURL         string
	WebhookHeaders      map[string]string
	MaxDeliveryAttempts int
	AckTimeout          time.Duration
	BatchSize           int // reserved; delivery is one message at a time
	AutoAck             bool
	CreatedAt           time.Time

	mu            sync.Mutex
	status        SubscriptionStatus
	lastActivity  time.Time
	lastHeartbeat time.Time
	messageCount  int64
	errorCount    int64
	pending       map[string]*pendingMessage
}

// pendingMessage tracks one in-flight delivery. The ack-timeout timer is
// owned here and must be stopped whenever the entry leaves the map, so a
// stale timer can never fire after an explicit acknowledgment.
type pendingMessage struct {
	channel      string
	envelope     *contracts.Envelope
	attempts     int
	firstAttempt time.Time
	lastAttempt  time.Time
	lastError    error
	timer        *time.Timer
}

// Status returns the current lifecycle state.
func (s *Subscription) Status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Subscription) setStatus(status SubscriptionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// LastActivity returns the time of the last message activity.
func (s *Subscription) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// touch records message activity, which defers idle-timeout reaping.
func (s *Subscription) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// PendingCount returns the number of messages awaiting acknowledgment.
func (s *Subscription) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// MessageCount returns the number of successfully delivered messages.
func (s *Subscription) MessageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// ErrorCount returns the number of failed delivery attempts.
func (s *Subscription) ErrorCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// PendingMessageInfo is the observable state of one in-flight message.
type PendingMessageInfo struct {
	Attempts     int       `json:"attempts"`
	FirstAttempt time.Time `json:"firstAttempt"`
	LastAttempt  time.Time `json:"lastAttempt"`
}

// SubscriptionInfo is a point-in-time snapshot of a subscription.
type SubscriptionInfo struct {
	ID                  string                        `json:"id"`
	ServiceName         string                        `json:"serviceName"`
	ChannelPattern      string                        `json:"channelPattern"`
	CallbackURL         string                        `json:"callbackUrl"`
	Status              SubscriptionStatus            `json:"status"`
	AutoAck             bool                          `json:"autoAck"`
	MaxDeliveryAttempts int                           `json:"maxDeliveryAttempts"`
	AckTimeout          time.Duration                 `json:"ackTimeout"`
	CreatedAt           time.Time                     `json:"createdAt"`
	LastActivity        time.Time                     `json:"lastActivity"`
	MessageCount        int64                         `json:"messageCount"`
	ErrorCount          int64                         `json:"errorCount"`
	PendingMessages     map[string]PendingMessageInfo `json:"pendingMessages"`
}

// Info returns a snapshot of the subscription's observable state.
func (s *Subscription) Info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]PendingMessageInfo, len(s.pending))
	for id, p := range s.pending {
		pending[id] = PendingMessageInfo{
			Attempts:     p.attempts,
			FirstAttempt: p.firstAttempt,
			LastAttempt:  p.lastAttempt,
		}
	}

	return SubscriptionInfo{
		ID:                  s.ID,
		ServiceName:         s.ServiceName,
		ChannelPattern:      s.ChannelPattern,
		CallbackURL:         s.CallbackURL,
		Status:              s.status,
		AutoAck:             s.AutoAck,
		MaxDeliveryAttempts: s.MaxDeliveryAttempts,
		AckTimeout:          s.AckTimeout,
		CreatedAt:           s.CreatedAt,
		LastActivity:        s.lastActivity,
		MessageCount:        s.messageCount,
		ErrorCount:          s.errorCount,
		PendingMessages:     pending,
	}
}
