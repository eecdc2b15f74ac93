package pipeline

import (
	"github.com/meshcore/meshcore/delivery"
	"github.com/meshcore/meshcore/wire"
)

// Policy collects the deployment-configurable knobs the pipeline
// consults at runtime. meshnode builds one from its config file; tests
// usually take DefaultPolicy.
type Policy struct {
	// MTU is the link payload ceiling assumed when the link layer does
	// not report a per-peer value.
	MTU int

	// DefaultTTL is the hop budget stamped on envelopes this node
	// originates.
	DefaultTTL uint8

	// RequireSignature rejects locally-delivered data envelopes whose
	// origin's signing key is unknown, instead of accepting them
	// unverified. Control and relay-through traffic have their own
	// rules (see processEnvelope) and pass-through relaying never
	// requires verification.
	RequireSignature bool

	// RequireEncryption drops plaintext directed envelopes addressed
	// to this node. Broadcasts are unencrypted by nature and exempt.
	RequireEncryption bool

	// OfflineQueueCapacity bounds the per-destination spool depth.
	OfflineQueueCapacity int

	// Retry parameterizes the delivery tracker's backoff schedule.
	Retry delivery.RetryPolicy
}

// DefaultPolicy returns the standard pipeline policy: reject
// unsigned, tolerate plaintext, 182-byte MTU.
func DefaultPolicy() Policy {
	return Policy{
		MTU:                  DefaultMTU,
		DefaultTTL:           wire.DefaultTTL,
		RequireSignature:     true,
		RequireEncryption:    false,
		OfflineQueueCapacity: delivery.DefaultQueueCapacity,
		Retry:                delivery.DefaultRetryPolicy(),
	}
}
