package app

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"onchainblackjack/internal/vault"
)

const handleDomainV0 = "ocb/vault/handle/v0"

// stateVault is the production vault.Store/vault.Oracle adapter. Handle and
// request id allocation run off state counters so replaying the same txs on a
// fresh node reproduces the same handles and ids. The hidden card values never
// touch this process: the external confidential store watches RevealRequested
// events (or polls /pending/<id>) and answers with an oracle/submit_reveal tx.
type stateVault struct {
	a *OCBApp
}

func (v *stateVault) Draw() (vault.Handle, error) {
	seq := v.a.st.NextHandleSeq
	v.a.st.NextHandleSeq++

	buf := make([]byte, 0, len(handleDomainV0)+1+8)
	buf = append(buf, []byte(handleDomainV0)...)
	buf = append(buf, 0)
	var u [8]byte
	binary.LittleEndian.PutUint64(u[:], seq)
	buf = append(buf, u[:]...)

	sum := sha256.Sum256(buf)
	return vault.Handle(hex.EncodeToString(sum[:])), nil
}

func (v *stateVault) Authorize(h vault.Handle, holder string) error {
	v.a.st.Grant(h, holder)
	return nil
}

func (v *stateVault) RequestReveal(handles []vault.Handle, target string) (uint64, error) {
	id := v.a.st.NextRequestID
	v.a.st.NextRequestID++
	return id, nil
}
