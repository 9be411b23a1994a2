package blackjack

// Score evaluates a hand with the soft-ace rule: every ace starts at 11 and
// is downgraded to 1, one at a time, while the total busts. Face cards count
// 10. The result is clamped at 255, matching the engine's stored score width.
func Score(hand []Card) uint8 {
	total := 0
	soft := 0
	for _, c := range hand {
		r := c.Rank()
		switch {
		case r == 1:
			total += 11
			soft++
		case r >= 11:
			total += 10
		default:
			total += int(r)
		}
	}
	for total > 21 && soft > 0 {
		total -= 10
		soft--
	}
	if total > 255 {
		total = 255
	}
	return uint8(total)
}

// IsNatural reports a two-card 21.
func IsNatural(hand []Card) bool {
	return len(hand) == 2 && Score(hand) == 21
}

// Outcome of a settled round, from the player's side.
type Outcome string

const (
	OutcomePlayerWin Outcome = "player_win"
	OutcomeDealerWin Outcome = "dealer_win"
	OutcomePush      Outcome = "push"
)

// Settle applies the outcome table: a bust player loses before the dealer's
// total is even considered, then a bust dealer loses, then higher total wins.
func Settle(player, dealer uint8) Outcome {
	switch {
	case player > 21:
		return OutcomeDealerWin
	case dealer > 21:
		return OutcomePlayerWin
	case player > dealer:
		return OutcomePlayerWin
	case dealer > player:
		return OutcomeDealerWin
	default:
		return OutcomePush
	}
}

// Payout is the amount credited back at settlement. The wager itself was
// debited at round start, so a win credits 2x (stake plus winnings), a push
// credits the stake back and a loss credits nothing. A natural win earns an
// extra half wager, floored.
func Payout(o Outcome, wager uint64, natural bool) uint64 {
	switch o {
	case OutcomePlayerWin:
		p := 2 * wager
		if natural {
			p += wager / 2
		}
		return p
	case OutcomePush:
		return wager
	default:
		return 0
	}
}
