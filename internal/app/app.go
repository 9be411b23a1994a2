package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"

	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/state"
	"onchainblackjack/internal/vault"
)

const (
	AppVersion uint64 = 1
)

// OCBApp is the blackjack settlement engine as an ABCI application. All round
// state lives in st; the vault/oracle pair is the capability surface for
// drawing hidden cards and requesting their reveal, so the same engine runs
// against the production adapter (stateVault) or a scripted deterministic
// stand-in.
type OCBApp struct {
	*abci.BaseApplication

	home string

	store  vault.Store
	oracle vault.Oracle

	mu       sync.Mutex
	st       *state.State
	lastHash []byte
}

func New(home string) (*OCBApp, error) {
	a, err := newApp(home)
	if err != nil {
		return nil, err
	}
	v := &stateVault{a: a}
	a.store = v
	a.oracle = v
	return a, nil
}

// NewWithVault runs the engine against an externally supplied draw/reveal
// implementation (the deterministic harness in tests).
func NewWithVault(home string, store vault.Store, oracle vault.Oracle) (*OCBApp, error) {
	a, err := newApp(home)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.oracle = oracle
	return a, nil
}

func newApp(home string) (*OCBApp, error) {
	appHome := filepath.Join(home, "app")
	st, err := state.Load(appHome)
	if err != nil {
		return nil, err
	}
	return &OCBApp{
		BaseApplication: abci.NewBaseApplication(),
		home:            home,
		st:              st,
		lastHash:        st.AppHash(),
	}, nil
}

func (a *OCBApp) Info(_ context.Context, _ *abci.InfoRequest) (*abci.InfoResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &abci.InfoResponse{
		Data:             "OCB (v0)",
		Version:          "v0",
		AppVersion:       AppVersion,
		LastBlockHeight:  a.st.Height,
		LastBlockAppHash: a.lastHash,
	}, nil
}

func (a *OCBApp) CheckTx(_ context.Context, req *abci.CheckTxRequest) (*abci.CheckTxResponse, error) {
	_, err := codec.DecodeTxEnvelope(req.Tx)
	if err != nil {
		return &abci.CheckTxResponse{Code: 1, Log: err.Error()}, nil
	}
	// v0: only structural validation; signatures/auth are checked at delivery.
	return &abci.CheckTxResponse{Code: 0}, nil
}

func (a *OCBApp) InitChain(_ context.Context, _ *abci.InitChainRequest) (*abci.InitChainResponse, error) {
	// v0: no special genesis handling.
	return &abci.InitChainResponse{}, nil
}

func (a *OCBApp) FinalizeBlock(_ context.Context, req *abci.FinalizeBlockRequest) (*abci.FinalizeBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.st.Height = req.Height

	txResults := make([]*abci.ExecTxResult, 0, len(req.Txs))
	for _, txBytes := range req.Txs {
		res := a.deliverTx(txBytes, req.Height)
		txResults = append(txResults, res)
	}

	a.lastHash = a.st.AppHash()

	return &abci.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   a.lastHash,
	}, nil
}

func (a *OCBApp) Commit(_ context.Context, _ *abci.CommitRequest) (*abci.CommitResponse, error) {
	// Persist after each block for devnet durability.
	appHome := filepath.Join(a.home, "app")
	if err := a.st.Save(appHome); err != nil {
		// CometBFT expects Commit to not crash; return error so node halts loudly.
		return nil, err
	}
	return &abci.CommitResponse{}, nil
}

func (a *OCBApp) Query(_ context.Context, req *abci.QueryRequest) (*abci.QueryResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Paths:
	// - /account/<addr>
	// - /round/<player>
	// - /rounds
	// - /pending/<requestId>   (polled by the reveal oracle)
	// - /oracle
	path := strings.TrimSpace(req.Path)
	switch {
	case path == "/rounds":
		b, _ := json.Marshal(a.st.ActiveRounds())
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	case path == "/oracle":
		if a.st.Oracle == nil {
			return &abci.QueryResponse{Code: 1, Log: "no reveal oracle registered", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(a.st.Oracle)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	case strings.HasPrefix(path, "/account/"):
		addr := strings.TrimPrefix(path, "/account/")
		bal := a.st.Balance(addr)
		b, _ := json.Marshal(map[string]any{"addr": addr, "balance": bal})
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	case strings.HasPrefix(path, "/round/"):
		player := strings.TrimPrefix(path, "/round/")
		r, ok := a.st.Rounds[player]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "no round for player", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(r)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	case strings.HasPrefix(path, "/pending/"):
		raw := strings.TrimPrefix(path, "/pending/")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return &abci.QueryResponse{Code: 1, Log: "invalid request id", Height: a.st.Height}, nil
		}
		entry, ok := a.st.Pending[id]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "unknown or consumed request id", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(entry)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	default:
		return &abci.QueryResponse{Code: 1, Log: "unknown query path", Height: a.st.Height}, nil
	}
}

func (a *OCBApp) deliverTx(txBytes []byte, height int64) *abci.ExecTxResult {
	env, err := codec.DecodeTxEnvelope(txBytes)
	if err != nil {
		return &abci.ExecTxResult{Code: 1, Log: err.Error()}
	}

	// Envelope auth for signers with a registered account key. The nonce is
	// only consumed when the tx itself succeeds, so a rejected tx leaves no
	// trace at all.
	nonce, authed, err := verifyTxAuth(a.st, env)
	if err != nil {
		return &abci.ExecTxResult{Code: 1, Log: err.Error()}
	}

	res := a.routeTx(env, height)
	if res.Code == 0 && authed {
		a.st.NonceMax[env.Signer] = nonce
	}
	return res
}

func (a *OCBApp) routeTx(env codec.TxEnvelope, height int64) *abci.ExecTxResult {
	switch env.Type {
	case "bank/deposit":
		var msg codec.BankDepositTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad bank/deposit value"}
		}
		if msg.To == "" || msg.Amount == 0 {
			return &abci.ExecTxResult{Code: 1, Log: "missing to/amount"}
		}
		if err := a.st.Credit(msg.To, msg.Amount); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("BankDeposited", map[string]string{
			"to":     msg.To,
			"amount": fmt.Sprintf("%d", msg.Amount),
		})

	case "bank/withdraw":
		var msg codec.BankWithdrawTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad bank/withdraw value"}
		}
		if msg.From == "" || msg.Amount == 0 {
			return &abci.ExecTxResult{Code: 1, Log: "missing from/amount"}
		}
		if err := a.st.Debit(msg.From, msg.Amount); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("BankWithdrawn", map[string]string{
			"from":   msg.From,
			"amount": fmt.Sprintf("%d", msg.Amount),
		})

	case "bank/send":
		var msg codec.BankSendTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad bank/send value"}
		}
		if msg.From == "" || msg.To == "" || msg.Amount == 0 {
			return &abci.ExecTxResult{Code: 1, Log: "missing from/to/amount"}
		}
		if err := a.st.Debit(msg.From, msg.Amount); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		if err := a.st.Credit(msg.To, msg.Amount); err != nil {
			// Undo the debit so a failed send cannot burn funds.
			_ = a.st.Credit(msg.From, msg.Amount)
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("BankSent", map[string]string{
			"from":   msg.From,
			"to":     msg.To,
			"amount": fmt.Sprintf("%d", msg.Amount),
		})

	case "auth/register_account":
		var msg codec.AuthRegisterAccountTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad auth/register_account value"}
		}
		if err := applyRegisterAccount(a.st, env, msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("AccountRegistered", map[string]string{
			"account": msg.Account,
		})

	case "oracle/register":
		var msg codec.OracleRegisterTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad oracle/register value"}
		}
		if err := applyRegisterOracle(a.st, env, msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvent("OracleRegistered", map[string]string{
			"oracleId": msg.OracleID,
		})

	case "oracle/submit_reveal":
		var msg codec.OracleSubmitRevealTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad oracle/submit_reveal value"}
		}
		evs, err := a.applySubmitReveal(msg, height)
		if err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvents(evs)

	case "blackjack/start_round":
		var msg codec.BlackjackStartRoundTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad blackjack/start_round value"}
		}
		evs, err := a.applyStartRound(msg, height)
		if err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvents(evs)

	case "blackjack/hit":
		var msg codec.BlackjackHitTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad blackjack/hit value"}
		}
		evs, err := a.applyHit(msg, height)
		if err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvents(evs)

	case "blackjack/stand":
		var msg codec.BlackjackStandTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad blackjack/stand value"}
		}
		evs, err := a.applyStand(msg, height)
		if err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvents(evs)

	case "blackjack/force_reset":
		var msg codec.BlackjackForceResetTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: "bad blackjack/force_reset value"}
		}
		evs, err := a.applyForceReset(msg)
		if err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
		return okEvents(evs)

	default:
		return &abci.ExecTxResult{Code: 1, Log: "unknown tx type: " + env.Type}
	}
}

func event(typ string, attrs map[string]string) abci.Event {
	ev := abci.Event{Type: typ}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev.Attributes = append(ev.Attributes, abci.EventAttribute{Key: k, Value: attrs[k], Index: true})
	}
	return ev
}

func okEvent(typ string, attrs map[string]string) *abci.ExecTxResult {
	return &abci.ExecTxResult{
		Code:   0,
		Events: []abci.Event{event(typ, attrs)},
	}
}

func okEvents(evs []abci.Event) *abci.ExecTxResult {
	return &abci.ExecTxResult{
		Code:   0,
		Events: evs,
	}
}
