package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TxEnvelope is the v0 transaction container.
//
// CometBFT transactions are opaque bytes. For v0 localnet we use JSON-encoded
// txs to move fast; this is NOT the final protocol encoding.
type TxEnvelope struct {
	// Basic routing.
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`

	// v0 tx auth (optional):
	// - Nonce: included in the signed message for replay protection (must increase per signer).
	// - Signer: logical signer id (account or oracle id).
	// - Sig: Ed25519 signature over (type, nonce, signer, sha256(value)).
	//
	// Note: This is still a scaffold; it is NOT the final protocol encoding.
	Nonce  string `json:"nonce,omitempty"`
	Signer string `json:"signer,omitempty"`
	Sig    []byte `json:"sig,omitempty"`
}

func DecodeTxEnvelope(txBytes []byte) (TxEnvelope, error) {
	var env TxEnvelope
	if err := json.Unmarshal(txBytes, &env); err != nil {
		return TxEnvelope{}, fmt.Errorf("invalid tx json: %w", err)
	}
	if env.Type == "" {
		return TxEnvelope{}, fmt.Errorf("missing tx.type")
	}
	return env, nil
}

// ---- Bank ----

type BankDepositTx struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type BankWithdrawTx struct {
	From   string `json:"from"`
	Amount uint64 `json:"amount"`
}

type BankSendTx struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// ---- Auth (v0) ----

// v0: account pubkey registration for tx authentication.
type AuthRegisterAccountTx struct {
	Account string `json:"account"`
	PubKey  []byte `json:"pubKey"` // base64 (32 bytes)
}

// ---- Oracle ----

// OracleRegisterTx registers (or rotates) the reveal attestor the engine
// verifies callbacks against.
type OracleRegisterTx struct {
	OracleID string `json:"oracleId"`
	PubKey   []byte `json:"pubKey"` // base64 (32 bytes)
}

// OracleSubmitRevealTx is the single reveal callback entry point. Proof is an
// Ed25519 signature by the registered oracle key over
// RevealSignBytes(requestId, cleartexts).
type OracleSubmitRevealTx struct {
	RequestID  uint64   `json:"requestId"`
	Cleartexts []uint64 `json:"cleartexts"`
	Proof      []byte   `json:"proof"` // base64 (64 bytes)
}

// ---- Blackjack ----

type BlackjackStartRoundTx struct {
	Player string `json:"player"`
	Wager  uint64 `json:"wager"`
	// WagerCommitment is the opaque handle hiding the committed wager amount,
	// minted on the player's side. Its cleartext is checked against Wager when
	// the initial deal reveals.
	WagerCommitment string `json:"wagerCommitment"`
}

type BlackjackHitTx struct {
	Player string `json:"player"`
}

type BlackjackStandTx struct {
	Player string `json:"player"`
}

type BlackjackForceResetTx struct {
	Player string `json:"player"`
}

// ---- Envelope auth ----

// txAuthDomainV0 separates envelope signatures from every other signature
// domain in the system.
const txAuthDomainV0 = "ocb/tx/v0"

// TxSignBytes is the envelope-auth preimage:
// DOMAIN || 0x00 || type || 0x00 || nonce || 0x00 || signer || 0x00 || sha256(value).
// Both the engine and any envelope signer (player wallets, the oracle, the
// scripted harness) must build it identically.
func TxSignBytes(typ string, value []byte, nonce string, signer string) []byte {
	sum := sha256.Sum256(value)
	out := make([]byte, 0, len(txAuthDomainV0)+1+len(typ)+1+len(nonce)+1+len(signer)+1+sha256.Size)
	out = append(out, []byte(txAuthDomainV0)...)
	out = append(out, 0)
	out = append(out, []byte(typ)...)
	out = append(out, 0)
	out = append(out, []byte(nonce)...)
	out = append(out, 0)
	out = append(out, []byte(signer)...)
	out = append(out, 0)
	out = append(out, sum[:]...)
	return out
}

// ---- Reveal attestation ----

// revealAttestDomainV0 separates reveal attestations from every other
// signature domain in the system.
const revealAttestDomainV0 = "ocb/oracle/reveal/v0"

// RevealSignBytes is the preimage the oracle signs for a reveal callback:
// DOMAIN || 0x00 || u64le(requestId) || 0x00 || u64le(len(cleartexts)) ||
// u64le(cleartext)... . Both the engine and any attestor stand-in must build
// it identically.
func RevealSignBytes(requestID uint64, cleartexts []uint64) []byte {
	out := make([]byte, 0, len(revealAttestDomainV0)+2+8*(2+len(cleartexts)))
	out = append(out, []byte(revealAttestDomainV0)...)
	out = append(out, 0)
	out = append(out, u64le(requestID)...)
	out = append(out, 0)
	out = append(out, u64le(uint64(len(cleartexts)))...)
	for _, v := range cleartexts {
		out = append(out, u64le(v)...)
	}
	return out
}

func u64le(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
