// Package scripted is the deterministic stand-in for the confidential-value
// store and the reveal oracle. Draws consume a pre-loaded plaintext deck in
// strict order, request ids grow monotonically, and every request records the
// exact cleartext payload a real reveal would have produced. Reveals are then
// performed synchronously, on demand, through the same callback entry point
// the real oracle uses, so the full asynchronous protocol (resampling chains,
// multi-step dealer play) can be driven and asserted deterministically.
package scripted

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/vault"
)

type Harness struct {
	OracleID string

	// Deliver pushes a fully signed callback tx through the same delivery
	// path the real oracle would use. Wired by the test (or tool) hosting
	// the engine.
	Deliver func(tx []byte) error

	priv ed25519.PrivateKey

	deck []uint64
	next int

	handleSeq uint64
	values    map[vault.Handle]uint64

	requestSeq uint64
	payloads   map[uint64][]uint64
	targets    map[uint64]string

	grants map[vault.Handle][]string
}

// New builds a harness around an ordered deck of plaintext card values. The
// attestation key derives from the oracle id alone, so the same id always
// signs identically.
func New(oracleID string, deck []uint64) *Harness {
	seed := sha256.Sum256([]byte("ocb/scripted-oracle/" + oracleID))
	return &Harness{
		OracleID: oracleID,
		priv:     ed25519.NewKeyFromSeed(seed[:]),
		deck:     append([]uint64(nil), deck...),
		values:   map[vault.Handle]uint64{},
		payloads: map[uint64][]uint64{},
		targets:  map[uint64]string{},
		grants:   map[vault.Handle][]string{},
	}
}

// PubKey is the verification key to register with the engine.
func (h *Harness) PubKey() ed25519.PublicKey {
	return h.priv.Public().(ed25519.PublicKey)
}

// Draw consumes the next scripted deck value and hides it behind a fresh
// handle.
func (h *Harness) Draw() (vault.Handle, error) {
	if h.next >= len(h.deck) {
		return "", fmt.Errorf("scripted deck exhausted after %d draws", len(h.deck))
	}
	v := h.deck[h.next]
	h.next++
	return h.mint(v), nil
}

// CommitValue hides an arbitrary amount behind a handle, the way a player's
// wallet mints the wager commitment passed to start_round. It does not
// consume the deck.
func (h *Harness) CommitValue(amount uint64) vault.Handle {
	return h.mint(amount)
}

func (h *Harness) mint(v uint64) vault.Handle {
	h.handleSeq++
	buf := make([]byte, 0, 32)
	buf = append(buf, []byte("ocb/scripted-handle")...)
	buf = append(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, h.handleSeq)
	sum := sha256.Sum256(buf)
	handle := vault.Handle(hex.EncodeToString(sum[:]))
	h.values[handle] = v
	return handle
}

func (h *Harness) Authorize(handle vault.Handle, holder string) error {
	if _, ok := h.values[handle]; !ok {
		return fmt.Errorf("unknown handle: %s", handle)
	}
	for _, have := range h.grants[handle] {
		if have == holder {
			return nil
		}
	}
	h.grants[handle] = append(h.grants[handle], holder)
	return nil
}

// Granted reports whether holder was authorized for handle.
func (h *Harness) Granted(handle vault.Handle, holder string) bool {
	for _, have := range h.grants[handle] {
		if have == holder {
			return true
		}
	}
	return false
}

// RequestReveal records the cleartext payload for the batch and allocates the
// next request id. Values stay recorded after delivery so redelivery of a
// consumed id can be exercised against the engine.
func (h *Harness) RequestReveal(handles []vault.Handle, target string) (uint64, error) {
	payload := make([]uint64, 0, len(handles))
	for _, hd := range handles {
		v, ok := h.values[hd]
		if !ok {
			return 0, fmt.Errorf("unknown handle: %s", hd)
		}
		payload = append(payload, v)
	}
	h.requestSeq++
	id := h.requestSeq
	h.payloads[id] = payload
	h.targets[id] = target
	return id, nil
}

// RevealTx builds the fully signed callback tx for a recorded request.
func (h *Harness) RevealTx(requestID uint64) ([]byte, error) {
	payload, ok := h.payloads[requestID]
	if !ok {
		return nil, fmt.Errorf("unknown request id: %d", requestID)
	}
	proof := ed25519.Sign(h.priv, codec.RevealSignBytes(requestID, payload))
	value, err := json.Marshal(codec.OracleSubmitRevealTx{
		RequestID:  requestID,
		Cleartexts: payload,
		Proof:      proof,
	})
	if err != nil {
		return nil, fmt.Errorf("encode reveal value: %w", err)
	}
	return json.Marshal(codec.TxEnvelope{
		Type:   h.targets[requestID],
		Value:  value,
		Signer: h.OracleID,
	})
}

// RegisterTx builds the signed oracle/register envelope binding this
// harness's attestation key to its oracle id. First registration signs with
// the key being registered; rotations reuse the same key with a fresh nonce.
func (h *Harness) RegisterTx(nonce uint64) ([]byte, error) {
	value, err := json.Marshal(codec.OracleRegisterTx{
		OracleID: h.OracleID,
		PubKey:   h.PubKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode register value: %w", err)
	}
	n := strconv.FormatUint(nonce, 10)
	sig := ed25519.Sign(h.priv, codec.TxSignBytes("oracle/register", value, n, h.OracleID))
	return json.Marshal(codec.TxEnvelope{
		Type:   "oracle/register",
		Value:  value,
		Nonce:  n,
		Signer: h.OracleID,
		Sig:    sig,
	})
}

// PerformReveal synchronously invokes the engine's callback entry point for
// requestID, exactly as the real oracle eventually would.
func (h *Harness) PerformReveal(requestID uint64) error {
	if h.Deliver == nil {
		return fmt.Errorf("no deliver func wired")
	}
	tx, err := h.RevealTx(requestID)
	if err != nil {
		return err
	}
	return h.Deliver(tx)
}

// LastRequestID is the most recently allocated request id (0 if none).
func (h *Harness) LastRequestID() uint64 {
	return h.requestSeq
}

// Remaining reports how many scripted values are left undrawn.
func (h *Harness) Remaining() int {
	return len(h.deck) - h.next
}
