// Package vault defines the capability surface between the round engine and
// the confidential-value infrastructure. Card values never cross this surface
// in plaintext: draws return opaque handles, and cleartexts only come back
// later through the oracle callback transaction.
package vault

// Handle is an opaque, hex-encoded reference to a hidden value. It carries no
// plaintext information until revealed.
type Handle string

// Store issues handles for freshly sampled card values and manages who may
// learn the underlying value. The engine never sees how values are sampled or
// encoded.
type Store interface {
	// Draw samples a fresh hidden card value and returns its handle.
	Draw() (Handle, error)

	// Authorize grants holder the right to learn the value behind h. The
	// engine authorizes the registered oracle for every handle it submits
	// for reveal.
	Authorize(h Handle, holder string) error
}

// Oracle accepts reveal requests. The eventual callback is delivered exactly
// once per request id through the target route with an attestation proof; the
// engine defends against replay independently.
type Oracle interface {
	// RequestReveal registers a batch of handles for decryption and returns
	// the request id the callback will carry. Non-blocking: it returns as
	// soon as the request is recorded.
	RequestReveal(handles []Handle, target string) (uint64, error)
}
