package app

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"

	abci "github.com/cometbft/cometbft/abci/types"

	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/scripted"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func txBytes(t *testing.T, typ string, value any) []byte {
	t.Helper()
	return mustMarshal(t, map[string]any{
		"type":  typ,
		"value": value,
	})
}

// testNonceSeq hands out strictly increasing nonces across a test binary so
// successive signed txs from one signer never collide with the replay guard.
var testNonceSeq uint64

func txBytesSigned(t *testing.T, typ string, value any, signer string) []byte {
	t.Helper()
	valueBytes := mustMarshal(t, value)
	testNonceSeq++
	nonce := strconv.FormatUint(testNonceSeq, 10)
	_, priv := testEd25519Key(signer)
	sig := ed25519.Sign(priv, codec.TxSignBytes(typ, valueBytes, nonce, signer))
	return mustMarshal(t, codec.TxEnvelope{
		Type:   typ,
		Value:  valueBytes,
		Nonce:  nonce,
		Signer: signer,
		Sig:    sig,
	})
}

func testEd25519Key(id string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := sha256.Sum256([]byte("ocb/test-key/" + id))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

func findEvent(events []abci.Event, typ string) *abci.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func countEvents(events []abci.Event, typ string) int {
	n := 0
	for i := range events {
		if events[i].Type == typ {
			n++
		}
	}
	return n
}

func attr(ev *abci.Event, key string) string {
	if ev == nil {
		return ""
	}
	for _, a := range ev.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func parseU64(t *testing.T, s string) uint64 {
	t.Helper()
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		t.Fatalf("parse uint64 %q: %v", s, err)
	}
	return n
}

func newTestApp(t *testing.T) *OCBApp {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// newHarnessApp wires the engine to a scripted oracle over the given deck and
// registers its attestation key, so reveals can be driven deterministically.
func newHarnessApp(t *testing.T, deck []uint64) (*OCBApp, *scripted.Harness) {
	t.Helper()
	h := scripted.New("oracle-1", deck)
	a, err := NewWithVault(t.TempDir(), h, h)
	if err != nil {
		t.Fatalf("NewWithVault: %v", err)
	}
	h.Deliver = func(tx []byte) error {
		res := a.deliverTx(tx, 1)
		if res.Code != 0 {
			return fmt.Errorf("reveal rejected: %s", res.Log)
		}
		return nil
	}
	registerTestOracle(t, a, 1, h)
	return a, h
}

func registerTestOracle(t *testing.T, a *OCBApp, height int64, h *scripted.Harness) {
	t.Helper()
	testNonceSeq++
	tx, err := h.RegisterTx(testNonceSeq)
	if err != nil {
		t.Fatalf("RegisterTx: %v", err)
	}
	mustOk(t, a.deliverTx(tx, height))
}

// registerManualOracle registers a test-owned attestation key so tests can
// hand-craft reveal callbacks, hostile ones included.
func registerManualOracle(t *testing.T, a *OCBApp, height int64, id string) ed25519.PrivateKey {
	t.Helper()
	pub, priv := testEd25519Key(id)
	mustOk(t, a.deliverTx(txBytesSigned(t, "oracle/register", map[string]any{
		"oracleId": id,
		"pubKey":   []byte(pub),
	}, id), height))
	return priv
}

func revealTxSigned(t *testing.T, priv ed25519.PrivateKey, requestID uint64, cleartexts []uint64) []byte {
	t.Helper()
	proof := ed25519.Sign(priv, codec.RevealSignBytes(requestID, cleartexts))
	return txBytes(t, "oracle/submit_reveal", map[string]any{
		"requestId":  requestID,
		"cleartexts": cleartexts,
		"proof":      proof,
	})
}

func revealTxBytes(t *testing.T, h *scripted.Harness, requestID uint64) []byte {
	t.Helper()
	tx, err := h.RevealTx(requestID)
	if err != nil {
		t.Fatalf("RevealTx(%d): %v", requestID, err)
	}
	return tx
}

func depositTestFunds(t *testing.T, a *OCBApp, height int64, to string, amount uint64) {
	t.Helper()
	mustOk(t, a.deliverTx(txBytes(t, "bank/deposit", map[string]any{"to": to, "amount": amount}), height))
}

func registerTestAccount(t *testing.T, a *OCBApp, height int64, id string) {
	t.Helper()
	pub, _ := testEd25519Key(id)
	mustOk(t, a.deliverTx(txBytesSigned(t, "auth/register_account", map[string]any{
		"account": id,
		"pubKey":  []byte(pub),
	}, id), height))
}

func startTestRound(t *testing.T, a *OCBApp, h *scripted.Harness, height int64, player string, wager uint64) *abci.ExecTxResult {
	t.Helper()
	return mustOk(t, a.deliverTx(txBytes(t, "blackjack/start_round", map[string]any{
		"player":          player,
		"wager":           wager,
		"wagerCommitment": string(h.CommitValue(wager)),
	}), height))
}

func mustOk(t *testing.T, res *abci.ExecTxResult) *abci.ExecTxResult {
	t.Helper()
	if res.Code != 0 {
		t.Fatalf("expected ok, got code=%d log=%q", res.Code, res.Log)
	}
	return res
}

func appHashHex(a *OCBApp) string {
	return fmt.Sprintf("%x", a.st.AppHash())
}

func TestBankDepositWithdraw(t *testing.T) {
	const height = int64(1)
	a := newTestApp(t)

	depositTestFunds(t, a, height, "alice", 100)
	if got := a.st.Balance("alice"); got != 100 {
		t.Fatalf("balance after deposit: %d", got)
	}

	res := mustOk(t, a.deliverTx(txBytes(t, "bank/withdraw", map[string]any{"from": "alice", "amount": 40}), height))
	if findEvent(res.Events, "BankWithdrawn") == nil {
		t.Fatalf("expected BankWithdrawn event")
	}
	if got := a.st.Balance("alice"); got != 60 {
		t.Fatalf("balance after withdraw: %d", got)
	}

	res = a.deliverTx(txBytes(t, "bank/withdraw", map[string]any{"from": "alice", "amount": 61}), height)
	if res.Code == 0 {
		t.Fatalf("expected overdraw to fail")
	}
	if !strings.Contains(res.Log, "insufficient funds") {
		t.Fatalf("expected insufficient funds log, got %q", res.Log)
	}
	if got := a.st.Balance("alice"); got != 60 {
		t.Fatalf("balance changed on failed withdraw: %d", got)
	}
}

func TestBankSendMovesFunds(t *testing.T) {
	const height = int64(1)
	a := newTestApp(t)

	depositTestFunds(t, a, height, "alice", 100)
	res := mustOk(t, a.deliverTx(txBytes(t, "bank/send", map[string]any{
		"from":   "alice",
		"to":     "bob",
		"amount": 30,
	}), height))
	if findEvent(res.Events, "BankSent") == nil {
		t.Fatalf("expected BankSent event")
	}
	if got := a.st.Balance("alice"); got != 70 {
		t.Fatalf("alice balance: %d", got)
	}
	if got := a.st.Balance("bob"); got != 30 {
		t.Fatalf("bob balance: %d", got)
	}
}

func TestUnknownTxTypeRejected(t *testing.T) {
	a := newTestApp(t)
	res := a.deliverTx(txBytes(t, "blackjack/split", map[string]any{"player": "alice"}), 1)
	if res.Code == 0 {
		t.Fatalf("expected unknown type to be rejected")
	}
	if !strings.Contains(res.Log, "unknown tx type") {
		t.Fatalf("unexpected log: %q", res.Log)
	}
}

func TestCheckTxStructuralOnly(t *testing.T) {
	a := newTestApp(t)

	res, err := a.CheckTx(context.Background(), &abci.CheckTxRequest{Tx: []byte("{not json")})
	if err != nil {
		t.Fatalf("CheckTx: %v", err)
	}
	if res.Code == 0 {
		t.Fatalf("expected malformed tx to fail CheckTx")
	}

	res, err = a.CheckTx(context.Background(), &abci.CheckTxRequest{
		Tx: txBytes(t, "blackjack/split", map[string]any{}),
	})
	if err != nil {
		t.Fatalf("CheckTx: %v", err)
	}
	if res.Code != 0 {
		t.Fatalf("CheckTx should only validate structure, got code=%d log=%q", res.Code, res.Log)
	}
}

func TestFinalizeBlockCommitAndReload(t *testing.T) {
	home := t.TempDir()
	a, err := New(home)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &abci.FinalizeBlockRequest{
		Height: 7,
		Txs: [][]byte{
			txBytes(t, "bank/deposit", map[string]any{"to": "alice", "amount": 100}),
			txBytes(t, "bank/withdraw", map[string]any{"from": "alice", "amount": 150}),
		},
	}
	res, err := a.FinalizeBlock(context.Background(), req)
	if err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	if len(res.TxResults) != 2 {
		t.Fatalf("expected 2 tx results, got %d", len(res.TxResults))
	}
	if res.TxResults[0].Code != 0 {
		t.Fatalf("deposit failed: %q", res.TxResults[0].Log)
	}
	if res.TxResults[1].Code == 0 {
		t.Fatalf("overdraw should have failed")
	}
	if len(res.AppHash) == 0 {
		t.Fatalf("expected app hash")
	}

	if _, err := a.Commit(context.Background(), &abci.CommitRequest{}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b, err := New(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := b.st.Balance("alice"); got != 100 {
		t.Fatalf("balance after reload: %d", got)
	}
	if b.st.Height != 7 {
		t.Fatalf("height after reload: %d", b.st.Height)
	}
	info, err := b.Info(context.Background(), &abci.InfoRequest{})
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.LastBlockHeight != 7 {
		t.Fatalf("info height: %d", info.LastBlockHeight)
	}
	if fmt.Sprintf("%x", info.LastBlockAppHash) != fmt.Sprintf("%x", res.AppHash) {
		t.Fatalf("app hash mismatch after reload")
	}
}

func TestQuerySurfaces(t *testing.T) {
	const height = int64(1)
	deck := []uint64{10, 8, 9, 7}
	a, h := newHarnessApp(t, deck)
	ctx := context.Background()

	depositTestFunds(t, a, height, "alice", 100)

	res, err := a.Query(ctx, &abci.QueryRequest{Path: "/account/alice"})
	if err != nil || res.Code != 0 {
		t.Fatalf("account query failed: %v %q", err, res.Log)
	}
	var acct struct {
		Addr    string `json:"addr"`
		Balance uint64 `json:"balance"`
	}
	if err := json.Unmarshal(res.Value, &acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("queried balance: %d", acct.Balance)
	}

	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/oracle"})
	if res.Code != 0 {
		t.Fatalf("oracle query failed: %q", res.Log)
	}
	var ost struct {
		OracleID string `json:"oracleId"`
	}
	if err := json.Unmarshal(res.Value, &ost); err != nil {
		t.Fatalf("decode oracle: %v", err)
	}
	if ost.OracleID != "oracle-1" {
		t.Fatalf("oracle id: %q", ost.OracleID)
	}

	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/round/alice"})
	if res.Code == 0 {
		t.Fatalf("expected no round for alice yet")
	}

	startTestRound(t, a, h, height, "alice", 25)

	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/rounds"})
	if res.Code != 0 {
		t.Fatalf("rounds query failed: %q", res.Log)
	}
	var active []string
	if err := json.Unmarshal(res.Value, &active); err != nil {
		t.Fatalf("decode rounds: %v", err)
	}
	if len(active) != 1 || active[0] != "alice" {
		t.Fatalf("active rounds: %v", active)
	}

	id := h.LastRequestID()
	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/pending/" + strconv.FormatUint(id, 10)})
	if res.Code != 0 {
		t.Fatalf("pending query failed: %q", res.Log)
	}
	var entry struct {
		Player  string   `json:"player"`
		Action  string   `json:"action"`
		Handles []string `json:"handles"`
		Target  string   `json:"target"`
	}
	if err := json.Unmarshal(res.Value, &entry); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if entry.Player != "alice" || entry.Action != "initial_deal" {
		t.Fatalf("pending entry: %+v", entry)
	}
	if len(entry.Handles) != 4 {
		t.Fatalf("expected 4 handles in initial batch, got %d", len(entry.Handles))
	}
	if entry.Target != "oracle/submit_reveal" {
		t.Fatalf("pending target: %q", entry.Target)
	}

	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/pending/999"})
	if res.Code == 0 {
		t.Fatalf("expected unknown pending id to fail")
	}
	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/pending/abc"})
	if res.Code == 0 {
		t.Fatalf("expected bad pending id to fail")
	}
	res, _ = a.Query(ctx, &abci.QueryRequest{Path: "/nope"})
	if res.Code == 0 {
		t.Fatalf("expected unknown path to fail")
	}
}
