package app

import (
	"crypto/ed25519"
	"fmt"

	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/state"
)

// requireRegisterOracleAuth checks the envelope signature for oracle
// registration. The first registration is self-certifying (signed by the key
// it registers); rotation must be signed by the incumbent oracle key.
func requireRegisterOracleAuth(st *state.State, env codec.TxEnvelope, msg codec.OracleRegisterTx) error {
	if msg.OracleID == "" {
		return fmt.Errorf("missing oracleId")
	}
	if len(msg.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("pubKey must be %d bytes", ed25519.PublicKeySize)
	}
	if err := requireSignedEnvelope(env); err != nil {
		return err
	}
	signer := msg.OracleID
	pub := ed25519.PublicKey(msg.PubKey)
	if st.Oracle != nil {
		signer = st.Oracle.OracleID
		pub = ed25519.PublicKey(st.Oracle.PubKey)
	}
	if env.Signer != signer {
		return fmt.Errorf("tx signer mismatch: signer=%q want=%q", env.Signer, signer)
	}
	msgBytes := codec.TxSignBytes(env.Type, env.Value, env.Nonce, env.Signer)
	if !ed25519.Verify(pub, msgBytes, env.Sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// applyRegisterOracle binds the reveal-attestation identity and key the
// engine authorizes handles to and verifies callbacks against. Round starts
// fail until one is registered.
func applyRegisterOracle(st *state.State, env codec.TxEnvelope, msg codec.OracleRegisterTx) error {
	if err := requireRegisterOracleAuth(st, env, msg); err != nil {
		return err
	}
	nonce, err := checkNonceFresh(st, env)
	if err != nil {
		return err
	}
	st.Oracle = &state.OracleState{
		OracleID: msg.OracleID,
		PubKey:   append([]byte(nil), msg.PubKey...),
	}
	st.NonceMax[env.Signer] = nonce
	return nil
}
