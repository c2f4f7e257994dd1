// Package broker implements the core of the hubrelay channel broker: the
// publish path (envelope construction, size limiting, best-effort
// persistence) and the subscription/delivery path (pattern matching,
// per-subscription delivery queues, webhook dispatch, ack-timeout driven
// redelivery, dead-lettering, and idle-subscription reaping).
//
// The broker talks to the outside world through two narrow interfaces: a
// ChannelTransport providing channel publish and exact/pattern subscribe,
// and an optional MessageStore providing an ephemeral key/value store with
// expiry. Implementations live under transports/ and stores/.
package broker
