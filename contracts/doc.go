// Package contracts provides the core message types shared across the hubrelay broker.
//
// This package defines the envelope exchanged between publishers and
// subscribers, the delivery priority levels, and the error taxonomy surfaced
// by publish and subscribe operations. It has no dependencies on the broker
// itself so transports and stores can depend on it freely.
package contracts
