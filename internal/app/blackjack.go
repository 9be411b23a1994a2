package app

import (
	"fmt"
	"strings"

	abci "github.com/cometbft/cometbft/abci/types"

	"onchainblackjack/internal/blackjack"
	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/state"
	"onchainblackjack/internal/vault"
)

// revealTarget is the tx type the oracle must deliver cleartexts as. Every
// pending request records it so an external oracle knows the callback route.
const revealTarget = "oracle/submit_reveal"

// applyStartRound debits the wager, draws the four handles of a fresh round
// (player slots 0 and 1, dealer up card, dealer hole) and submits the initial
// batch for reveal. The hole handle stays parked at dealer slot 1 until the
// player stands; the wager commitment rides along in the batch so the oracle
// attests the committed amount together with the first three cards.
func (a *OCBApp) applyStartRound(msg codec.BlackjackStartRoundTx, height int64) ([]abci.Event, error) {
	if msg.Player == "" {
		return nil, fmt.Errorf("missing player")
	}
	if msg.WagerCommitment == "" {
		return nil, fmt.Errorf("missing wagerCommitment")
	}
	if msg.Wager == 0 {
		return nil, fmt.Errorf("wager must be > 0")
	}
	if msg.Wager > blackjack.MaxWager {
		return nil, fmt.Errorf("wager exceeds maximum: got=%d max=%d", msg.Wager, blackjack.MaxWager)
	}
	if a.st.Oracle == nil {
		return nil, fmt.Errorf("no reveal oracle registered")
	}
	if r := a.st.Rounds[msg.Player]; r != nil && r.Phase != state.PhaseIdle {
		return nil, fmt.Errorf("round already active")
	}
	if bal := a.st.Balance(msg.Player); bal < msg.Wager {
		return nil, fmt.Errorf("insufficient funds: have=%d need=%d", bal, msg.Wager)
	}

	// Everything that can fail happens before the ledger or the round record
	// is touched, so a rejected start leaves no trace.
	p0, err := a.store.Draw()
	if err != nil {
		return nil, err
	}
	p1, err := a.store.Draw()
	if err != nil {
		return nil, err
	}
	up, err := a.store.Draw()
	if err != nil {
		return nil, err
	}
	hole, err := a.store.Draw()
	if err != nil {
		return nil, err
	}
	batch := []vault.Handle{p0, p1, up, vault.Handle(msg.WagerCommitment)}
	id, err := a.requestReveal(batch)
	if err != nil {
		return nil, err
	}

	if err := a.st.Debit(msg.Player, msg.Wager); err != nil {
		return nil, err
	}
	r := a.st.EnsureRound(msg.Player)
	r.Reset()
	r.Phase = state.PhaseActive
	r.Wager = msg.Wager
	r.PlayerHand.Append(p0)
	r.PlayerHand.Append(p1)
	r.DealerHand.Append(up)
	r.DealerHand.Append(hole)

	evs := []abci.Event{event("RoundStarted", map[string]string{
		"player":     msg.Player,
		"wager":      fmt.Sprintf("%d", msg.Wager),
		"commitment": msg.WagerCommitment,
	})}
	a.recordPending(r, id, state.ActionInitialDeal, 0, "", batch, height, &evs)
	return evs, nil
}

// applyHit appends one drawn handle to the player hand and submits it for
// reveal. Rejected while an earlier reveal is still outstanding.
func (a *OCBApp) applyHit(msg codec.BlackjackHitTx, height int64) ([]abci.Event, error) {
	if msg.Player == "" {
		return nil, fmt.Errorf("missing player")
	}
	r := a.st.Rounds[msg.Player]
	if r == nil || r.Phase != state.PhaseActive {
		return nil, fmt.Errorf("no active round")
	}
	if !r.PendingNone() {
		return nil, fmt.Errorf("request already pending: id=%d", r.PendingRequestID)
	}
	if r.PlayerHand.Count() >= blackjack.HandCapacity {
		return nil, fmt.Errorf("player hand is full")
	}

	h, err := a.store.Draw()
	if err != nil {
		return nil, err
	}
	id, err := a.requestReveal([]vault.Handle{h})
	if err != nil {
		return nil, err
	}
	slot := r.PlayerHand.Append(h)
	var evs []abci.Event
	a.recordPending(r, id, state.ActionPlayerHit, slot, state.HandPlayer, []vault.Handle{h}, height, &evs)
	return evs, nil
}

// applyStand closes the player's turn and submits the parked hole handle for
// reveal; every dealer step after that is driven by reveal callbacks.
func (a *OCBApp) applyStand(msg codec.BlackjackStandTx, height int64) ([]abci.Event, error) {
	if msg.Player == "" {
		return nil, fmt.Errorf("missing player")
	}
	r := a.st.Rounds[msg.Player]
	if r == nil || r.Phase != state.PhaseActive {
		return nil, fmt.Errorf("no active round")
	}
	if !r.PendingNone() {
		return nil, fmt.Errorf("request already pending: id=%d", r.PendingRequestID)
	}
	if r.DealerHand.Count() < 2 {
		return nil, fmt.Errorf("dealer hole not drawn")
	}

	hole := r.DealerHand.Slots[1].Handle
	id, err := a.requestReveal([]vault.Handle{hole})
	if err != nil {
		return nil, err
	}
	var evs []abci.Event
	a.recordPending(r, id, state.ActionDealerReveal, 1, state.HandDealer, []vault.Handle{hole}, height, &evs)
	return evs, nil
}

// applyForceReset abandons an active round and refunds the wager. Only legal
// while no reveal is outstanding; a pending request must resolve first so no
// request id is ever orphaned.
func (a *OCBApp) applyForceReset(msg codec.BlackjackForceResetTx) ([]abci.Event, error) {
	if msg.Player == "" {
		return nil, fmt.Errorf("missing player")
	}
	r := a.st.Rounds[msg.Player]
	if r == nil || r.Phase != state.PhaseActive {
		return nil, fmt.Errorf("no active round")
	}
	if !r.PendingNone() {
		return nil, fmt.Errorf("cannot reset while request %d is pending", r.PendingRequestID)
	}

	refund := r.Wager
	if err := a.st.Credit(msg.Player, refund); err != nil {
		return nil, err
	}
	r.Reset()
	return []abci.Event{event("ForceReset", map[string]string{
		"player": msg.Player,
		"refund": fmt.Sprintf("%d", refund),
	})}, nil
}

// requestReveal authorizes each handle to the registered oracle and asks the
// oracle for a reveal, returning the request id. No chain-visible bookkeeping
// happens here; callers write the pending record once nothing can fail.
func (a *OCBApp) requestReveal(handles []vault.Handle) (uint64, error) {
	for _, h := range handles {
		if err := a.store.Authorize(h, a.st.Oracle.OracleID); err != nil {
			return 0, err
		}
	}
	return a.oracle.RequestReveal(handles, revealTarget)
}

// recordPending registers the reveal request and stamps it onto the round as
// its pending continuation, emitting the RevealRequested record the oracle
// watches for.
func (a *OCBApp) recordPending(r *state.Round, id uint64, kind state.ActionKind, slot int, hand state.HandTag, handles []vault.Handle, height int64, evs *[]abci.Event) {
	a.st.PutPending(&state.PendingRequest{
		RequestID: id,
		Player:    r.Player,
		Action:    kind,
		Slot:      slot,
		Hand:      hand,
		Handles:   append([]vault.Handle(nil), handles...),
		Target:    revealTarget,
		Height:    height,
	})
	r.PendingRequestID = id
	r.PendingAction = kind
	r.PendingSince = height

	hs := make([]string, 0, len(handles))
	for _, h := range handles {
		hs = append(hs, string(h))
	}
	*evs = append(*evs, event("RevealRequested", map[string]string{
		"player":    r.Player,
		"requestId": fmt.Sprintf("%d", id),
		"action":    string(kind),
		"slot":      fmt.Sprintf("%d", slot),
		"handles":   strings.Join(hs, ","),
		"target":    revealTarget,
	}))
}
