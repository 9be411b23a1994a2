package state

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"onchainblackjack/internal/blackjack"
	"onchainblackjack/internal/vault"
)

type State struct {
	Height int64 `json:"height"`

	Accounts    map[string]uint64 `json:"accounts"`
	AccountKeys map[string][]byte `json:"accountKeys,omitempty"` // account -> ed25519 pubkey (32 bytes)
	NonceMax    map[string]uint64 `json:"nonceMax,omitempty"`    // signer -> last accepted tx.nonce (u64), for replay protection

	Oracle *OracleState `json:"oracle,omitempty"`

	// Allocation counters for reveal request ids and vault handles. Request
	// ids start at 1; 0 means "no pending request" in the round record.
	NextRequestID uint64 `json:"nextRequestId"`
	NextHandleSeq uint64 `json:"nextHandleSeq"`

	Rounds  map[string]*Round          `json:"rounds"`
	Pending map[uint64]*PendingRequest `json:"pending,omitempty"`
	Grants  map[string][]string        `json:"grants,omitempty"` // handle -> identities allowed to learn the value
}

// OracleState is the registered reveal attestor: callbacks must verify
// against PubKey, and every handle submitted for reveal is authorized to
// OracleID.
type OracleState struct {
	OracleID string `json:"oracleId"`
	PubKey   []byte `json:"pubKey"` // 32-byte ed25519 public key (base64 in JSON)
}

func NewState() *State {
	return &State{
		Height:        0,
		Accounts:      map[string]uint64{},
		AccountKeys:   map[string][]byte{},
		NonceMax:      map[string]uint64{},
		NextRequestID: 1,
		NextHandleSeq: 1,
		Rounds:        map[string]*Round{},
		Pending:       map[uint64]*PendingRequest{},
		Grants:        map[string][]string{},
	}
}

func (s *State) normalize() {
	if s.Accounts == nil {
		s.Accounts = map[string]uint64{}
	}
	if s.AccountKeys == nil {
		s.AccountKeys = map[string][]byte{}
	}
	if s.NonceMax == nil {
		s.NonceMax = map[string]uint64{}
	}
	if s.Rounds == nil {
		s.Rounds = map[string]*Round{}
	}
	if s.Pending == nil {
		s.Pending = map[uint64]*PendingRequest{}
	}
	if s.Grants == nil {
		s.Grants = map[string][]string{}
	}
	if s.NextRequestID == 0 {
		s.NextRequestID = 1
	}
	if s.NextHandleSeq == 0 {
		s.NextHandleSeq = 1
	}
}

func Load(home string) (*State, error) {
	path := filepath.Join(home, "state.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	st.normalize()
	return &st, nil
}

func (s *State) Save(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("mkdir home: %w", err)
	}
	path := filepath.Join(home, "state.json")
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Clone returns a deep copy of state suitable for staged tx execution.
func (s *State) Clone() (*State, error) {
	if s == nil {
		return nil, fmt.Errorf("state is nil")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state clone: %w", err)
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode state clone: %w", err)
	}
	out.normalize()
	return &out, nil
}

func (s *State) AppHash() []byte {
	// Deterministic JSON hash: marshal with stable key ordering by serializing
	// a normalized view.
	//
	// Note: encoding/json does NOT guarantee map key order, so we manually
	// normalize maps into slices.
	type accountKV struct {
		Addr    string `json:"addr"`
		Balance uint64 `json:"balance"`
	}
	type accountKeyKV struct {
		Addr   string `json:"addr"`
		PubKey []byte `json:"pubKey"`
	}
	type nonceKV struct {
		Signer string `json:"signer"`
		Nonce  uint64 `json:"nonce"`
	}
	type roundKV struct {
		Player string `json:"player"`
		Round  *Round `json:"round"`
	}
	type pendingKV struct {
		RequestID uint64          `json:"requestId"`
		Entry     *PendingRequest `json:"entry"`
	}
	type grantKV struct {
		Handle  string   `json:"handle"`
		Holders []string `json:"holders"`
	}

	accounts := make([]accountKV, 0, len(s.Accounts))
	for k, v := range s.Accounts {
		accounts = append(accounts, accountKV{Addr: k, Balance: v})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Addr < accounts[j].Addr })

	accountKeys := make([]accountKeyKV, 0, len(s.AccountKeys))
	for k, v := range s.AccountKeys {
		accountKeys = append(accountKeys, accountKeyKV{Addr: k, PubKey: v})
	}
	sort.Slice(accountKeys, func(i, j int) bool { return accountKeys[i].Addr < accountKeys[j].Addr })

	nonces := make([]nonceKV, 0, len(s.NonceMax))
	for k, v := range s.NonceMax {
		nonces = append(nonces, nonceKV{Signer: k, Nonce: v})
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i].Signer < nonces[j].Signer })

	rounds := make([]roundKV, 0, len(s.Rounds))
	for k, v := range s.Rounds {
		rounds = append(rounds, roundKV{Player: k, Round: v})
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Player < rounds[j].Player })

	pending := make([]pendingKV, 0, len(s.Pending))
	for k, v := range s.Pending {
		pending = append(pending, pendingKV{RequestID: k, Entry: v})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RequestID < pending[j].RequestID })

	grants := make([]grantKV, 0, len(s.Grants))
	for k, v := range s.Grants {
		grants = append(grants, grantKV{Handle: k, Holders: v})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Handle < grants[j].Handle })

	normalized := struct {
		Height        int64          `json:"height"`
		Accounts      []accountKV    `json:"accounts"`
		AccountKeys   []accountKeyKV `json:"accountKeys,omitempty"`
		NonceMax      []nonceKV      `json:"nonceMax,omitempty"`
		Oracle        *OracleState   `json:"oracle,omitempty"`
		NextRequestID uint64         `json:"nextRequestId"`
		NextHandleSeq uint64         `json:"nextHandleSeq"`
		Rounds        []roundKV      `json:"rounds"`
		Pending       []pendingKV    `json:"pending,omitempty"`
		Grants        []grantKV      `json:"grants,omitempty"`
	}{
		Height:        s.Height,
		Accounts:      accounts,
		AccountKeys:   accountKeys,
		NonceMax:      nonces,
		Oracle:        s.Oracle,
		NextRequestID: s.NextRequestID,
		NextHandleSeq: s.NextHandleSeq,
		Rounds:        rounds,
		Pending:       pending,
		Grants:        grants,
	}

	b, _ := json.Marshal(normalized)
	sum := sha256.Sum256(b)
	return sum[:]
}

// ---- Bank ----

func (s *State) Balance(addr string) uint64 {
	return s.Accounts[addr]
}

func (s *State) Credit(addr string, amount uint64) error {
	bal := s.Accounts[addr]
	if bal > ^uint64(0)-amount {
		return fmt.Errorf("balance overflow: have=%d add=%d", bal, amount)
	}
	s.Accounts[addr] = bal + amount
	return nil
}

func (s *State) Debit(addr string, amount uint64) error {
	bal := s.Accounts[addr]
	if bal < amount {
		return fmt.Errorf("insufficient funds: have=%d need=%d", bal, amount)
	}
	s.Accounts[addr] = bal - amount
	return nil
}

// ---- Grants ----

// Grant records holder's right to learn the value behind the handle. Holder
// lists stay sorted so the app hash is stable.
func (s *State) Grant(h vault.Handle, holder string) {
	key := string(h)
	for _, have := range s.Grants[key] {
		if have == holder {
			return
		}
	}
	s.Grants[key] = append(s.Grants[key], holder)
	sort.Strings(s.Grants[key])
}

// ---- Rounds ----

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseActive   Phase = "active"
	PhaseResolved Phase = "resolved"
)

type ActionKind string

const (
	ActionNone            ActionKind = ""
	ActionInitialDeal     ActionKind = "initial_deal"
	ActionPlayerHit       ActionKind = "player_hit"
	ActionDealerReveal    ActionKind = "dealer_reveal"
	ActionCardReplacement ActionKind = "card_replacement"
)

type HandTag string

const (
	HandPlayer HandTag = "player"
	HandDealer HandTag = "dealer"
)

// CardSlot holds either an unrevealed handle or a revealed card identity. The
// handle is kept after reveal so a round can be audited end to end.
type CardSlot struct {
	Handle   vault.Handle   `json:"handle,omitempty"`
	Value    blackjack.Card `json:"value,omitempty"`
	Revealed bool           `json:"revealed,omitempty"`
}

type HandState struct {
	Slots []CardSlot `json:"slots,omitempty"`
	Score uint8      `json:"score,omitempty"` // cached, recomputed on every accepted reveal
}

func (h *HandState) Count() int {
	return len(h.Slots)
}

// Append adds an unrevealed slot and returns its index. Capacity is the
// caller's concern: appends past blackjack.HandCapacity are a caller error.
func (h *HandState) Append(handle vault.Handle) int {
	h.Slots = append(h.Slots, CardSlot{Handle: handle})
	return len(h.Slots) - 1
}

func (h *HandState) RevealedCards() []blackjack.Card {
	out := make([]blackjack.Card, 0, len(h.Slots))
	for _, sl := range h.Slots {
		if sl.Revealed {
			out = append(out, sl.Value)
		}
	}
	return out
}

func (h *HandState) AllRevealed() bool {
	for _, sl := range h.Slots {
		if !sl.Revealed {
			return false
		}
	}
	return true
}

// Round is one player's persisted round record. The pending fields are the
// continuation: everything the engine needs to resume when the reveal for
// PendingRequestID finally arrives, on whatever process instance is alive
// by then.
type Round struct {
	Player string `json:"player"`
	Phase  Phase  `json:"phase"`

	Wager         uint64 `json:"wager,omitempty"`
	WagerVerified bool   `json:"wagerVerified,omitempty"`
	Natural       bool   `json:"natural,omitempty"`

	PlayerHand   HandState `json:"playerHand"`
	DealerHand   HandState `json:"dealerHand"`
	HoleRevealed bool      `json:"holeRevealed,omitempty"` // dealer slot 1 visibility

	// GuardBits is the duplicate-card mask: bit 1<<(value-1) per revealed
	// identity. Monotone within a round, zeroed only by reset.
	GuardBits uint64 `json:"guardBits,omitempty"`

	PendingRequestID uint64     `json:"pendingRequestId,omitempty"` // 0 = none
	PendingAction    ActionKind `json:"pendingAction,omitempty"`
	PendingSince     int64      `json:"pendingSince,omitempty"` // issue height, for external age monitors
}

func (r *Round) PendingNone() bool {
	return r.PendingRequestID == 0
}

func (r *Round) GuardHas(c blackjack.Card) bool {
	return r.GuardBits&c.Bit() != 0
}

func (r *Round) GuardSet(c blackjack.Card) {
	r.GuardBits |= c.Bit()
}

// Reset zeroes the record back to idle. Player identity survives; everything
// else, including the duplicate-guard mask and pending fields, is cleared.
func (r *Round) Reset() {
	*r = Round{Player: r.Player, Phase: PhaseIdle}
}

// EnsureRound returns the player's round record, creating an idle one lazily.
func (s *State) EnsureRound(player string) *Round {
	r, ok := s.Rounds[player]
	if !ok {
		r = &Round{Player: player, Phase: PhaseIdle}
		s.Rounds[player] = r
	}
	return r
}

// ActiveRounds lists players with a non-idle round, sorted for stable output.
func (s *State) ActiveRounds() []string {
	out := make([]string, 0, len(s.Rounds))
	for player, r := range s.Rounds {
		if r.Phase != PhaseIdle {
			out = append(out, player)
		}
	}
	sort.Strings(out)
	return out
}

// ---- Pending request registry ----

// PendingRequest is the registry entry for one outstanding reveal. Handles
// and Target are what the external oracle needs to serve the request; the
// rest routes the callback when it lands.
type PendingRequest struct {
	RequestID uint64         `json:"requestId"`
	Player    string         `json:"player"`
	Action    ActionKind     `json:"action"`
	Slot      int            `json:"slot"`
	Hand      HandTag        `json:"hand,omitempty"` // replacement routing: which hand owns Slot
	Handles   []vault.Handle `json:"handles"`
	Target    string         `json:"target"`
	Height    int64          `json:"height"`
}

func (s *State) PutPending(p *PendingRequest) {
	s.Pending[p.RequestID] = p
}

// TakePending removes and returns the entry for id. A consumed id is gone for
// good: redelivery finds nothing and is rejected upstream.
func (s *State) TakePending(id uint64) (*PendingRequest, bool) {
	p, ok := s.Pending[id]
	if ok {
		delete(s.Pending, id)
	}
	return p, ok
}
