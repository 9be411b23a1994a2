package blackjack

// Card is a 1..52 id, where:
// - rank = ((id-1) % 13) + 1  (1=ace .. 10, 11=J, 12=Q, 13=K)
// - suit = (id-1) / 13        (0..3)
//
// The id, not the rank, is what the duplicate guard tracks: two cards of the
// same rank but different suits are distinct identities.
type Card uint8

const (
	// DeckSize is the number of distinct card identities.
	DeckSize = 52

	// HandCapacity bounds both hands; exceeding it is a caller error.
	HandCapacity = 10

	// DealerStand is the dealer total at which auto-play stops drawing.
	DealerStand = 17

	// MaxWager bounds wagers so the 2.5x natural-win payout cannot overflow
	// a uint64 (payout < 3*wager).
	MaxWager = ^uint64(0) / 3
)

func (c Card) Valid() bool {
	return c >= 1 && c <= DeckSize
}

func (c Card) Rank() uint8 { // 1..13
	return uint8((c-1)%13) + 1
}

func (c Card) Suit() uint8 { // 0..3
	return uint8((c - 1) / 13)
}

// Bit is the card's position in the per-round duplicate-guard mask.
func (c Card) Bit() uint64 {
	return uint64(1) << (c - 1)
}

func (c Card) String() string {
	if !c.Valid() {
		return "??"
	}
	r := c.Rank()
	var rch byte
	switch r {
	case 1:
		rch = 'A'
	case 13:
		rch = 'K'
	case 12:
		rch = 'Q'
	case 11:
		rch = 'J'
	case 10:
		rch = 'T'
	default:
		rch = byte('0' + r)
	}
	var sch byte
	switch c.Suit() {
	case 0:
		sch = 'c'
	case 1:
		sch = 'd'
	case 2:
		sch = 'h'
	default:
		sch = 's'
	}
	return string([]byte{rch, sch})
}
