package app

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	abci "github.com/cometbft/cometbft/abci/types"

	"onchainblackjack/internal/blackjack"
	"onchainblackjack/internal/codec"
	"onchainblackjack/internal/state"
	"onchainblackjack/internal/vault"
)

// applySubmitReveal is the single oracle callback entry point. Every check
// that can reject runs before the pending entry is consumed, so a bad
// callback (unknown id, replayed id, broken proof, malformed payload) leaves
// the state byte-identical. Past the consume point the id is spent exactly
// once and the suspended flow resumes from the round record alone.
func (a *OCBApp) applySubmitReveal(msg codec.OracleSubmitRevealTx, height int64) ([]abci.Event, error) {
	if a.st.Oracle == nil {
		return nil, fmt.Errorf("no reveal oracle registered")
	}
	entry, ok := a.st.Pending[msg.RequestID]
	if !ok {
		return nil, fmt.Errorf("unknown or consumed request id: %d", msg.RequestID)
	}
	r := a.st.Rounds[entry.Player]
	if r == nil || r.PendingRequestID != msg.RequestID || r.PendingAction != entry.Action {
		return nil, fmt.Errorf("request %d does not match the round's pending request", msg.RequestID)
	}
	if len(msg.Proof) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid proof length: got %d want %d", len(msg.Proof), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(a.st.Oracle.PubKey), codec.RevealSignBytes(msg.RequestID, msg.Cleartexts), msg.Proof) {
		return nil, fmt.Errorf("invalid reveal proof")
	}
	want := 1
	cardCount := 1
	if entry.Action == state.ActionInitialDeal {
		// Three cards plus the revealed wager amount.
		want = 4
		cardCount = 3
	}
	if len(msg.Cleartexts) != want {
		return nil, fmt.Errorf("cleartexts length mismatch: expected %d got %d", want, len(msg.Cleartexts))
	}
	for i := 0; i < cardCount; i++ {
		if v := msg.Cleartexts[i]; v < 1 || v > blackjack.DeckSize {
			return nil, fmt.Errorf("card value out of range: %d", v)
		}
	}
	if entry.Action != state.ActionInitialDeal {
		if entry.Slot < 0 || entry.Slot >= handFor(r, entry.Hand).Count() {
			return nil, fmt.Errorf("pending slot out of range: %d", entry.Slot)
		}
	}

	// Point of no return: consume the id and detach the continuation.
	a.st.TakePending(msg.RequestID)
	r.PendingRequestID = 0
	r.PendingAction = state.ActionNone
	r.PendingSince = 0

	var evs []abci.Event
	var err error
	switch entry.Action {
	case state.ActionInitialDeal:
		err = a.dispatchInitialDeal(r, msg.Cleartexts, height, &evs)
	case state.ActionPlayerHit:
		a.guardAssign(r, state.HandPlayer, entry.Slot, blackjack.Card(msg.Cleartexts[0]), &evs)
		err = a.finishPlayerCard(r, height, &evs)
	case state.ActionDealerReveal:
		a.guardAssign(r, state.HandDealer, entry.Slot, blackjack.Card(msg.Cleartexts[0]), &evs)
		err = a.continueDealer(r, height, &evs)
	case state.ActionCardReplacement:
		wasInitial := !initialDealComplete(r)
		a.guardAssign(r, entry.Hand, entry.Slot, blackjack.Card(msg.Cleartexts[0]), &evs)
		err = a.resumeAfterReplacement(r, wasInitial, entry.Hand, height, &evs)
	default:
		err = fmt.Errorf("unknown pending action %q", entry.Action)
	}
	if err != nil {
		return nil, err
	}
	return evs, nil
}

// dispatchInitialDeal checks the revealed wager against the debited amount,
// then lands the first three cards. A mismatched wager voids the round with a
// full refund; nothing else about the reveal is applied in that case.
func (a *OCBApp) dispatchInitialDeal(r *state.Round, cleartexts []uint64, height int64, evs *[]abci.Event) error {
	revealedWager := cleartexts[3]
	if revealedWager != r.Wager {
		refund := r.Wager
		if err := a.st.Credit(r.Player, refund); err != nil {
			return err
		}
		player := r.Player
		r.Reset()
		*evs = append(*evs, event("WagerMismatched", map[string]string{
			"player":   player,
			"expected": fmt.Sprintf("%d", refund),
			"revealed": fmt.Sprintf("%d", revealedWager),
			"refund":   fmt.Sprintf("%d", refund),
		}))
		return nil
	}
	r.WagerVerified = true
	a.guardAssign(r, state.HandPlayer, 0, blackjack.Card(cleartexts[0]), evs)
	a.guardAssign(r, state.HandPlayer, 1, blackjack.Card(cleartexts[1]), evs)
	a.guardAssign(r, state.HandDealer, 0, blackjack.Card(cleartexts[2]), evs)
	return a.finishInitialDeal(r, height, evs)
}

// guardAssign runs the duplicate-card guard for a just-revealed value. On
// acceptance the guard bit is set and the value lands in its slot; on a
// collision the slot stays unrevealed and the caller owes it a replacement.
func (a *OCBApp) guardAssign(r *state.Round, hand state.HandTag, slot int, c blackjack.Card, evs *[]abci.Event) bool {
	if r.GuardHas(c) {
		*evs = append(*evs, event("DuplicateResampled", map[string]string{
			"player": r.Player,
			"hand":   string(hand),
			"slot":   fmt.Sprintf("%d", slot),
			"card":   c.String(),
			"value":  fmt.Sprintf("%d", c),
		}))
		return false
	}
	r.GuardSet(c)
	h := handFor(r, hand)
	h.Slots[slot].Value = c
	h.Slots[slot].Revealed = true
	h.Score = blackjack.Score(h.RevealedCards())
	*evs = append(*evs, event("CardRevealed", map[string]string{
		"player": r.Player,
		"hand":   string(hand),
		"slot":   fmt.Sprintf("%d", slot),
		"card":   c.String(),
		"value":  fmt.Sprintf("%d", c),
		"score":  fmt.Sprintf("%d", h.Score),
	}))
	return true
}

// finishInitialDeal chains replacement reveals until both player slots and
// the dealer up card hold values, then fixes the player score and the natural
// flag. The dealer hole stays parked at slot 1 for stand.
func (a *OCBApp) finishInitialDeal(r *state.Round, height int64, evs *[]abci.Event) error {
	if hand, slot, ok := firstUnfilledInitialSlot(r); ok {
		return a.issueReplacement(r, hand, slot, height, evs)
	}
	cards := r.PlayerHand.RevealedCards()
	r.PlayerHand.Score = blackjack.Score(cards)
	r.Natural = blackjack.IsNatural(cards)
	*evs = append(*evs, event("HandRevealed", map[string]string{
		"player":      r.Player,
		"playerCards": joinCards(cards),
		"playerScore": fmt.Sprintf("%d", r.PlayerHand.Score),
		"dealerUp":    r.DealerHand.Slots[0].Value.String(),
		"natural":     fmt.Sprintf("%t", r.Natural),
	}))
	return nil
}

// issueReplacement draws a brand-new handle for a slot whose revealed value
// collided with the guard and submits it for reveal. At most one replacement
// is in flight per round; further collisions chain through here again.
func (a *OCBApp) issueReplacement(r *state.Round, hand state.HandTag, slot int, height int64, evs *[]abci.Event) error {
	nh, err := a.store.Draw()
	if err != nil {
		return err
	}
	id, err := a.requestReveal([]vault.Handle{nh})
	if err != nil {
		return err
	}
	handFor(r, hand).Slots[slot].Handle = nh
	a.recordPending(r, id, state.ActionCardReplacement, slot, hand, []vault.Handle{nh}, height, evs)
	return nil
}

// resumeAfterReplacement re-enters the flow that was suspended on the
// resample. wasInitial records where the deal stood before the replacement
// value landed: the value that fills the last open deal slot still closes
// the deal instead of falling through to a post-deal flow.
func (a *OCBApp) resumeAfterReplacement(r *state.Round, wasInitial bool, hand state.HandTag, height int64, evs *[]abci.Event) error {
	if wasInitial {
		return a.finishInitialDeal(r, height, evs)
	}
	if hand == state.HandPlayer {
		return a.finishPlayerCard(r, height, evs)
	}
	return a.continueDealer(r, height, evs)
}

// finishPlayerCard resumes after a player-hand value landed. A bust settles
// the round immediately; otherwise the player keeps acting.
func (a *OCBApp) finishPlayerCard(r *state.Round, height int64, evs *[]abci.Event) error {
	if slot, ok := firstUnrevealedSlot(&r.PlayerHand); ok {
		return a.issueReplacement(r, state.HandPlayer, slot, height, evs)
	}
	if r.PlayerHand.Score > 21 {
		return a.settleRound(r, evs)
	}
	return nil
}

// continueDealer drives the dealer after every dealer-hand value lands: draw
// to DealerStand, then settle. Each step issues at most one more reveal and
// returns; the continuation lives entirely in the round record.
func (a *OCBApp) continueDealer(r *state.Round, height int64, evs *[]abci.Event) error {
	if slot, ok := firstUnrevealedSlot(&r.DealerHand); ok {
		return a.issueReplacement(r, state.HandDealer, slot, height, evs)
	}
	// Every dealer slot holds a value here, so the hole is public.
	r.HoleRevealed = true
	r.DealerHand.Score = blackjack.Score(r.DealerHand.RevealedCards())
	if r.DealerHand.Score < blackjack.DealerStand && r.DealerHand.Count() < blackjack.HandCapacity {
		nh, err := a.store.Draw()
		if err != nil {
			return err
		}
		id, err := a.requestReveal([]vault.Handle{nh})
		if err != nil {
			return err
		}
		slot := r.DealerHand.Append(nh)
		a.recordPending(r, id, state.ActionDealerReveal, slot, state.HandDealer, []vault.Handle{nh}, height, evs)
		return nil
	}
	return a.settleRound(r, evs)
}

// settleRound pays out, emits the settlement record and returns the round to
// idle. Every terminal total funnels through here exactly once; Reset clears
// the record so nothing can settle twice.
func (a *OCBApp) settleRound(r *state.Round, evs *[]abci.Event) error {
	playerScore := blackjack.Score(r.PlayerHand.RevealedCards())
	dealerScore := blackjack.Score(r.DealerHand.RevealedCards())
	outcome := blackjack.Settle(playerScore, dealerScore)
	payout := blackjack.Payout(outcome, r.Wager, r.Natural)

	// Credit before the terminal writes: if the payout cannot land, the round
	// stays active with no pending request and the player can still recover.
	if payout > 0 {
		if err := a.st.Credit(r.Player, payout); err != nil {
			return err
		}
	}
	r.PlayerHand.Score = playerScore
	r.DealerHand.Score = dealerScore
	r.Phase = state.PhaseResolved
	*evs = append(*evs, event("RoundSettled", map[string]string{
		"player":      r.Player,
		"outcome":     string(outcome),
		"wager":       fmt.Sprintf("%d", r.Wager),
		"payout":      fmt.Sprintf("%d", payout),
		"playerScore": fmt.Sprintf("%d", playerScore),
		"dealerScore": fmt.Sprintf("%d", dealerScore),
		"natural":     fmt.Sprintf("%t", r.Natural),
	}))
	r.Reset()
	return nil
}

func handFor(r *state.Round, hand state.HandTag) *state.HandState {
	if hand == state.HandDealer {
		return &r.DealerHand
	}
	return &r.PlayerHand
}

func initialDealComplete(r *state.Round) bool {
	return r.PlayerHand.Slots[0].Revealed &&
		r.PlayerHand.Slots[1].Revealed &&
		r.DealerHand.Slots[0].Revealed
}

func firstUnfilledInitialSlot(r *state.Round) (state.HandTag, int, bool) {
	if !r.PlayerHand.Slots[0].Revealed {
		return state.HandPlayer, 0, true
	}
	if !r.PlayerHand.Slots[1].Revealed {
		return state.HandPlayer, 1, true
	}
	if !r.DealerHand.Slots[0].Revealed {
		return state.HandDealer, 0, true
	}
	return "", 0, false
}

func firstUnrevealedSlot(h *state.HandState) (int, bool) {
	for i := range h.Slots {
		if !h.Slots[i].Revealed {
			return i, true
		}
	}
	return -1, false
}

func joinCards(cards []blackjack.Card) string {
	parts := make([]string, 0, len(cards))
	for _, c := range cards {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}
