package entity

import "time"

// Change is a row-change notification as delivered by the realtime
// transport, before the reconciliation core validates it. Type carries the
// backend's operation name verbatim ("INSERT", "UPDATE", "DELETE").
type Change struct {
	Kind            Kind
	Type            string
	Record          Row
	OldRecord       Row
	CommitTimestamp time.Time
}

// Handle is an opaque reference to one open subscription. Only the
// transport that returned it can release it.
type Handle interface {
	Kind() Kind
	Topic() string
}
