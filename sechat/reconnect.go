package sechat

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy decides the delay before each re-dial of a dropped feed.
// It has the same shape as backoff.BackOff, so any policy from
// github.com/cenkalti/backoff/v5 can be used directly:
//
//	cfg.Reconnect = backoff.NewExponentialBackOff()
//
// Returning backoff.Stop from NextBackOff closes the room. Reset is called
// after every successful connection. Each room gets its own policy
// instance via newReconnectPolicy when the policy implements Cloner.
type ReconnectPolicy = backoff.BackOff

// Cloner is implemented by policies that keep per-room state and must not
// be shared between rooms.
type Cloner interface {
	Clone() ReconnectPolicy
}

// ImmediateReconnect re-dials at once, forever. It is the default.
func ImmediateReconnect() ReconnectPolicy {
	return &backoff.ZeroBackOff{}
}

// ConstantReconnect waits d between attempts, forever.
func ConstantReconnect(d time.Duration) ReconnectPolicy {
	return backoff.NewConstantBackOff(d)
}

// newReconnectPolicy returns the policy a single room should use.
func newReconnectPolicy(p ReconnectPolicy) ReconnectPolicy {
	if p == nil {
		return ImmediateReconnect()
	}
	if c, ok := p.(Cloner); ok {
		return c.Clone()
	}
	if eb, ok := p.(*backoff.ExponentialBackOff); ok {
		clone := *eb
		clone.Reset()
		return &clone
	}
	return p
}
