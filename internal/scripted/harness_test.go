package scripted_test

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/scripted"
	"onchainblackjack/internal/vault"
)

func TestDrawConsumesDeckInOrder(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{10, 8, 9})

	h1, err := h.Draw()
	require.NoError(t, err)
	h2, err := h.Draw()
	require.NoError(t, err)
	require.NotEqual(t, h1, h2, "every draw mints a fresh handle")
	require.Equal(t, 1, h.Remaining())

	id, err := h.RequestReveal([]vault.Handle{h1, h2}, "oracle/submit_reveal")
	require.NoError(t, err)

	tx, err := h.RevealTx(id)
	require.NoError(t, err)
	env, err := codec.DecodeTxEnvelope(tx)
	require.NoError(t, err)
	var msg codec.OracleSubmitRevealTx
	require.NoError(t, json.Unmarshal(env.Value, &msg))
	require.Equal(t, []uint64{10, 8}, msg.Cleartexts, "payload follows deck order")
}

func TestDrawExhaustion(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{5})
	_, err := h.Draw()
	require.NoError(t, err)
	_, err = h.Draw()
	require.ErrorContains(t, err, "deck exhausted")
}

func TestCommitValueDoesNotConsumeDeck(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{10})
	c := h.CommitValue(25)
	require.Equal(t, 1, h.Remaining())

	d, err := h.Draw()
	require.NoError(t, err)

	id, err := h.RequestReveal([]vault.Handle{d, c}, "oracle/submit_reveal")
	require.NoError(t, err)

	tx, err := h.RevealTx(id)
	require.NoError(t, err)
	env, _ := codec.DecodeTxEnvelope(tx)
	var msg codec.OracleSubmitRevealTx
	require.NoError(t, json.Unmarshal(env.Value, &msg))
	require.Equal(t, []uint64{10, 25}, msg.Cleartexts)
}

func TestRequestIDsMonotonic(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{1, 2, 3})
	require.Equal(t, uint64(0), h.LastRequestID())

	d1, _ := h.Draw()
	d2, _ := h.Draw()

	id1, err := h.RequestReveal([]vault.Handle{d1}, "oracle/submit_reveal")
	require.NoError(t, err)
	id2, err := h.RequestReveal([]vault.Handle{d2}, "oracle/submit_reveal")
	require.NoError(t, err)

	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)
	require.Equal(t, uint64(2), h.LastRequestID())
}

func TestRequestRevealRejectsUnknownHandle(t *testing.T) {
	h := scripted.New("oracle-1", nil)
	_, err := h.RequestReveal([]vault.Handle{"nope"}, "oracle/submit_reveal")
	require.ErrorContains(t, err, "unknown handle")
}

func TestRevealTxSignatureVerifies(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{42})
	d, _ := h.Draw()
	id, _ := h.RequestReveal([]vault.Handle{d}, "oracle/submit_reveal")

	tx, err := h.RevealTx(id)
	require.NoError(t, err)

	env, err := codec.DecodeTxEnvelope(tx)
	require.NoError(t, err)
	require.Equal(t, "oracle/submit_reveal", env.Type, "callback routes to the requested target")
	require.Equal(t, "oracle-1", env.Signer)

	var msg codec.OracleSubmitRevealTx
	require.NoError(t, json.Unmarshal(env.Value, &msg))
	require.True(t, ed25519.Verify(h.PubKey(),
		codec.RevealSignBytes(msg.RequestID, msg.Cleartexts), msg.Proof))

	// Same id can be rebuilt for redelivery experiments.
	again, err := h.RevealTx(id)
	require.NoError(t, err)
	require.Equal(t, tx, again)
}

func TestRevealTxUnknownRequest(t *testing.T) {
	h := scripted.New("oracle-1", nil)
	_, err := h.RevealTx(7)
	require.ErrorContains(t, err, "unknown request id")
}

func TestPerformRevealDelivers(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{9})
	d, _ := h.Draw()
	id, _ := h.RequestReveal([]vault.Handle{d}, "oracle/submit_reveal")

	require.ErrorContains(t, h.PerformReveal(id), "no deliver func wired")

	var got []byte
	h.Deliver = func(tx []byte) error {
		got = tx
		return nil
	}
	require.NoError(t, h.PerformReveal(id))

	want, _ := h.RevealTx(id)
	require.Equal(t, want, got)
}

func TestDeterministicKey(t *testing.T) {
	a := scripted.New("oracle-1", nil)
	b := scripted.New("oracle-1", nil)
	c := scripted.New("oracle-2", nil)

	require.Equal(t, a.PubKey(), b.PubKey(), "same oracle id derives the same key")
	require.NotEqual(t, a.PubKey(), c.PubKey())
}

func TestAuthorize(t *testing.T) {
	h := scripted.New("oracle-1", []uint64{3})
	d, _ := h.Draw()

	require.False(t, h.Granted(d, "oracle-1"))
	require.NoError(t, h.Authorize(d, "oracle-1"))
	require.NoError(t, h.Authorize(d, "oracle-1"), "re-grant is a no-op")
	require.True(t, h.Granted(d, "oracle-1"))

	require.ErrorContains(t, h.Authorize("bogus", "oracle-1"), "unknown handle")
}

func TestRegisterTxSelfSigned(t *testing.T) {
	h := scripted.New("oracle-1", nil)

	tx, err := h.RegisterTx(7)
	require.NoError(t, err)

	env, err := codec.DecodeTxEnvelope(tx)
	require.NoError(t, err)
	require.Equal(t, "oracle/register", env.Type)
	require.Equal(t, "oracle-1", env.Signer)
	require.Equal(t, "7", env.Nonce)
	require.True(t, ed25519.Verify(h.PubKey(),
		codec.TxSignBytes(env.Type, env.Value, env.Nonce, env.Signer), env.Sig))

	var msg codec.OracleRegisterTx
	require.NoError(t, json.Unmarshal(env.Value, &msg))
	require.Equal(t, "oracle-1", msg.OracleID)
	require.Equal(t, []byte(h.PubKey()), msg.PubKey)
}
