// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/wait"
	"decred.org/coinjoin/client/denom"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// walletTimeout bounds calls into the wallet made from message handlers.
const walletTimeout = 10 * time.Second

// stateTimeouts are the deadlines of the states that wait on the masternode.
var stateTimeouts = map[State]time.Duration{
	StateAwaitingQueue:    cj.QueueTimeout,
	StateEntrySubmitted:   cj.EntryTimeout,
	StateWaitingForOthers: cj.EntryTimeout,
	StateSigningRequested: cj.SigningTimeout,
	StateSigned:           cj.SigningTimeout + cj.QueueTimeout,
}

// session is one mixing round with one masternode for one denomination.
type session struct {
	m     *Manager
	id    uint64
	denom cj.Denomination

	mtx          sync.Mutex
	state        State
	mn           *Masternode
	poolID       uint64
	joining      bool
	entriesCount int
	inputs       []*denom.Input
	collateral   *denom.Input
	outputs      []*msgjson.TxOut
	finalTx      *wire.MsgTx
	err          error
	stamp        time.Time
}

func newSession(m *Manager, id uint64, d cj.Denomination) *session {
	return &session{
		m:     m,
		id:    id,
		denom: d,
		state: StateIdle,
		stamp: time.Now(),
	}
}

// State is the current state.
func (s *session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Err is the reason the session failed.
func (s *session) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}

func (s *session) waiterID() string {
	return fmt.Sprintf("%s/%d", s.m.name, s.id)
}

// setState moves the session to the next state. The mtx MUST be held.
func (s *session) setState(next State) bool {
	if !s.state.canTransition(next) {
		s.m.log.Warnf("Session %d: refusing transition %s -> %s", s.id, s.state, next)
		return false
	}
	s.m.log.Debugf("Session %d (%s): %s -> %s", s.id, s.denom, s.state, next)
	s.state = next
	s.stamp = time.Now()
	return true
}

// armDeadline fails the session if it is still in state st when the state's
// timeout passes. The mtx MUST NOT be held.
func (s *session) armDeadline(st State) {
	timeout, found := stateTimeouts[st]
	if !found {
		return
	}
	id := s.waiterID()
	s.m.deadlines.Cancel(id)
	s.m.deadlines.Wait(&wait.Waiter{
		ID:         id,
		Expiration: time.Now().Add(timeout),
		TryFunc: func() wait.TryDirective {
			if s.State() != st {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			s.failIn(st, cj.NewError(cj.ErrTimeout, st.String()))
		},
	})
}

// terminate moves the session to a terminal state and releases its coins.
// Coins are released even if the session was already terminal.
func (s *session) terminate(next State, err error) bool {
	s.mtx.Lock()
	ok := s.setState(next)
	if ok {
		// A failure reason survives a later abort.
		if err != nil {
			s.err = err
		}
		s.joining = false
	}
	s.mtx.Unlock()
	s.m.deadlines.Cancel(s.waiterID())
	if coins := s.m.locker.UnlockSessionCoins(s.id); len(coins) > 0 {
		s.m.log.Debugf("Session %d released %d coins", s.id, len(coins))
	}
	if ok && err != nil {
		s.m.log.Infof("Session %d (%s) failed: %v", s.id, s.denom, err)
	}
	return ok
}

// fail moves a non-terminal session to StateFailed.
func (s *session) fail(err error) {
	s.terminate(StateFailed, err)
}

// failIn fails the session only if it is still in state st.
func (s *session) failIn(st State, err error) {
	s.mtx.Lock()
	current := s.state
	s.mtx.Unlock()
	if current == st {
		s.fail(err)
	}
}

// abort discards the session regardless of its state.
func (s *session) abort() {
	s.terminate(StateAborted, nil)
}

// matches is true if the message for the masternode's pool is for this
// session.
func (s *session) matches(from chainhash.Hash, poolID uint64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.mn != nil && s.mn.ProTxHash == from && s.poolID == poolID && !s.state.Terminal()
}

// tryJoin moves an idle session to AwaitingQueue and, if inputs, collateral
// and a masternode are available, reserves the coins and asks the masternode
// to accept the session. joined is true if the session is negotiating with a
// masternode after the call.
func (s *session) tryJoin(inputs []*denom.Input, maxRounds int) (joined bool, err error) {
	s.mtx.Lock()
	switch {
	case s.state == StateIdle:
		s.setState(StateAwaitingQueue)
		s.mtx.Unlock()
		s.armDeadline(StateAwaitingQueue)
		s.mtx.Lock()
		if s.state != StateAwaitingQueue {
			s.mtx.Unlock()
			return false, nil
		}
	case s.state != StateAwaitingQueue:
		st := s.state
		s.mtx.Unlock()
		return !st.Terminal(), nil
	case s.joining:
		s.mtx.Unlock()
		return true, nil
	}
	s.mtx.Unlock()

	cands := denom.Candidates(inputs, s.denom, maxRounds)
	if len(cands) == 0 {
		return false, cj.NewError(cj.ErrNoInputs, s.denom.String())
	}
	cols := denom.Collaterals(inputs)
	if len(cols) == 0 {
		return false, cj.NewError(cj.ErrInsufficientFunds, "no collateral input")
	}
	mn := s.m.selectMasternode(s.denom)
	if mn == nil {
		return false, cj.ErrNoQueues
	}

	locker := s.m.locker
	col, err := locker.LockAvailable(s.id, outPoints(cols), 1)
	if err != nil {
		return false, err
	}
	if len(col) == 0 {
		return false, cj.NewError(cj.ErrNoInputs, "collateral in use")
	}
	picked, err := locker.LockAvailable(s.id, outPoints(cands), cj.MaxEntryInputs)
	if err != nil || len(picked) == 0 {
		locker.UnlockSessionCoins(s.id)
		if err == nil {
			err = cj.NewError(cj.ErrNoInputs, s.denom.String()+" inputs in use")
		}
		return false, err
	}

	byOp := make(map[wire.OutPoint]*denom.Input, len(inputs))
	for _, in := range inputs {
		byOp[in.OutPoint] = in
	}
	reserved := make([]*denom.Input, 0, len(picked))
	for _, op := range picked {
		reserved = append(reserved, byOp[op])
	}

	s.mtx.Lock()
	if s.state != StateAwaitingQueue {
		s.mtx.Unlock()
		locker.UnlockSessionCoins(s.id)
		return false, nil
	}
	s.mn = mn
	s.inputs = reserved
	s.collateral = byOp[col[0]]
	s.joining = true
	s.mtx.Unlock()

	s.m.markUsed(mn.ProTxHash)
	req, err := msgjson.NewRequest(s.m.nextReqID(), msgjson.AcceptRoute, &msgjson.Accept{
		Denom:      s.denom,
		Collateral: msgjson.NewOutPoint(&col[0]),
	})
	if err != nil {
		s.fail(err)
		return false, err
	}
	err = s.m.transport.Request(mn, req, s.handleAcceptResponse, cj.QueueTimeout, func() {
		s.failIn(StateAwaitingQueue, cj.NewError(cj.ErrMasternodeGone, "no dsa response"))
	})
	if err != nil {
		s.fail(cj.NewError(cj.ErrMasternodeGone, err.Error()))
		return false, err
	}
	s.m.log.Infof("Session %d: requested %s pool from masternode %s with %d inputs",
		s.id, s.denom, mn, len(reserved))
	if s.State().Terminal() {
		return false, s.Err()
	}
	return true, nil
}

func (s *session) handleAcceptResponse(msg *msgjson.Message) {
	var res msgjson.AcceptResult
	if err := msg.UnmarshalResult(&res); err != nil {
		s.failIn(StateAwaitingQueue, cj.NewError(cj.ErrRejected, err.Error()))
		return
	}
	s.mtx.Lock()
	if s.state != StateAwaitingQueue || !s.joining {
		s.mtx.Unlock()
		return
	}
	s.poolID = res.SessionID
	s.mtx.Unlock()
	s.submitEntry()
}

// submitEntry obtains fresh output scripts and submits the entry.
func (s *session) submitEntry() {
	ctx, cancel := context.WithTimeout(s.m.runCtx(), walletTimeout)
	defer cancel()

	s.mtx.Lock()
	n := len(s.inputs)
	s.mtx.Unlock()
	outs := make([]*msgjson.TxOut, 0, n)
	for i := 0; i < n; i++ {
		ver, script, err := s.m.wallet.NewMixScript(ctx)
		if err != nil {
			s.failIn(StateAwaitingQueue, fmt.Errorf("error getting mixing address: %w", err))
			return
		}
		outs = append(outs, &msgjson.TxOut{
			Value:    s.denom.Amount(),
			Version:  ver,
			PkScript: script,
		})
	}

	s.mtx.Lock()
	if s.state != StateAwaitingQueue {
		s.mtx.Unlock()
		return
	}
	s.outputs = outs
	entry := &msgjson.Entry{
		SessionID:  s.poolID,
		Inputs:     make([]msgjson.OutPoint, 0, len(s.inputs)),
		Outputs:    outs,
		Collateral: msgjson.NewOutPoint(&s.collateral.OutPoint),
	}
	for _, in := range s.inputs {
		entry.Inputs = append(entry.Inputs, msgjson.NewOutPoint(&in.OutPoint))
	}
	mn := s.mn
	s.joining = false
	s.setState(StateEntrySubmitted)
	s.mtx.Unlock()
	s.armDeadline(StateEntrySubmitted)

	req, err := msgjson.NewRequest(s.m.nextReqID(), msgjson.EntryRoute, entry)
	if err != nil {
		s.fail(err)
		return
	}
	err = s.m.transport.Request(mn, req, s.handleEntryResponse, cj.EntryTimeout, func() {
		s.failIn(StateEntrySubmitted, cj.NewError(cj.ErrMasternodeGone, "no dsi response"))
	})
	if err != nil {
		s.fail(cj.NewError(cj.ErrMasternodeGone, err.Error()))
	}
}

func (s *session) handleEntryResponse(msg *msgjson.Message) {
	var ack msgjson.Acknowledgement
	if err := msg.UnmarshalResult(&ack); err != nil {
		s.failIn(StateEntrySubmitted, cj.NewError(cj.ErrRejected, err.Error()))
		return
	}
	if !ack.Accepted {
		s.failIn(StateEntrySubmitted, cj.NewError(cj.ErrRejected, "entry not accepted"))
		return
	}
	s.mtx.Lock()
	if s.state != StateEntrySubmitted || !s.setState(StateWaitingForOthers) {
		s.mtx.Unlock()
		return
	}
	s.mtx.Unlock()
	s.armDeadline(StateWaitingForOthers)
}

func (s *session) handleStatusUpdate(su *msgjson.StatusUpdate) {
	if !su.Accepted {
		s.fail(cj.NewError(cj.ErrRejected, fmt.Sprintf("code %d: %s", su.Code, su.Message)))
		return
	}
	s.mtx.Lock()
	s.entriesCount = su.EntriesCount
	s.mtx.Unlock()
}

func (s *session) handleFinalTx(ft *msgjson.FinalTx) {
	tx, err := ft.MsgTx()
	if err != nil {
		s.fail(cj.NewError(cj.ErrBadSkeleton, err.Error()))
		return
	}

	s.mtx.Lock()
	if s.state == StateEntrySubmitted {
		// The dsi response may trail the final transaction.
		s.setState(StateWaitingForOthers)
	}
	if s.state != StateWaitingForOthers {
		st := s.state
		s.mtx.Unlock()
		s.m.log.Warnf("Session %d: unexpected final transaction in state %s", s.id, st)
		return
	}
	if err := s.verifySkeleton(tx); err != nil {
		s.mtx.Unlock()
		s.fail(cj.NewError(cj.ErrBadSkeleton, err.Error()))
		return
	}
	s.finalTx = tx
	s.setState(StateSigningRequested)
	ins := outPoints(s.inputs)
	mn, poolID := s.mn, s.poolID
	s.mtx.Unlock()
	s.armDeadline(StateSigningRequested)

	ctx, cancel := context.WithTimeout(s.m.runCtx(), walletTimeout)
	defer cancel()
	sigs, err := s.m.wallet.SignInputs(ctx, tx, ins)
	if err != nil {
		s.fail(cj.NewError(cj.ErrSignatureFailure, err.Error()))
		return
	}
	signed := &msgjson.SignedInputs{
		SessionID: poolID,
		Inputs:    make([]*msgjson.SignedInput, 0, len(ins)),
	}
	for i := range ins {
		sigScript, found := sigs[ins[i]]
		if !found || len(sigScript) == 0 {
			s.fail(cj.NewError(cj.ErrSignatureFailure, "missing signature for "+ins[i].String()))
			return
		}
		signed.Inputs = append(signed.Inputs, &msgjson.SignedInput{
			OutPoint:  msgjson.NewOutPoint(&ins[i]),
			SigScript: sigScript,
		})
	}

	s.mtx.Lock()
	if s.state != StateSigningRequested || !s.setState(StateSigned) {
		s.mtx.Unlock()
		return
	}
	s.mtx.Unlock()
	s.armDeadline(StateSigned)

	req, err := msgjson.NewRequest(s.m.nextReqID(), msgjson.SignedInputsRoute, signed)
	if err != nil {
		s.fail(err)
		return
	}
	err = s.m.transport.Request(mn, req, func(msg *msgjson.Message) {
		var ack msgjson.Acknowledgement
		if err := msg.UnmarshalResult(&ack); err != nil || !ack.Accepted {
			s.failIn(StateSigned, cj.NewError(cj.ErrRejected, fmt.Sprintf("signatures not accepted: %v", err)))
		}
	}, cj.SigningTimeout, func() {})
	if err != nil {
		s.fail(cj.NewError(cj.ErrMasternodeGone, err.Error()))
	}
}

type outputKey struct {
	value  uint64
	script string
}

// verifySkeleton checks that every input and output of the entry is in the
// final transaction, and that the transaction only moves the denomination.
// The mtx MUST be held.
func (s *session) verifySkeleton(tx *wire.MsgTx) error {
	prevOuts := make(map[wire.OutPoint]bool, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		prevOuts[txIn.PreviousOutPoint] = true
	}
	for _, in := range s.inputs {
		if !prevOuts[in.OutPoint] {
			return fmt.Errorf("input %s missing", in.OutPoint)
		}
	}
	if prevOuts[s.collateral.OutPoint] {
		return fmt.Errorf("collateral %s spent by the mix", s.collateral.OutPoint)
	}
	outs := make(map[outputKey]int, len(tx.TxOut))
	for _, txOut := range tx.TxOut {
		if uint64(txOut.Value) != s.denom.Amount() {
			return fmt.Errorf("output value %d is not %s", txOut.Value, s.denom)
		}
		outs[outputKey{uint64(txOut.Value), string(txOut.PkScript)}]++
	}
	for _, out := range s.outputs {
		k := outputKey{out.Value, string(out.PkScript)}
		if outs[k] == 0 {
			return fmt.Errorf("output paying %x missing", out.PkScript)
		}
		outs[k]--
	}
	return nil
}

func (s *session) handleComplete(c *msgjson.Complete) {
	if !c.Success {
		s.fail(cj.NewError(cj.ErrPoolAborted, fmt.Sprintf("code %d: %s", c.Code, c.Message)))
		return
	}

	s.mtx.Lock()
	if s.state != StateSigned {
		st := s.state
		s.mtx.Unlock()
		s.m.log.Warnf("Session %d: completion received in state %s", s.id, st)
		return
	}
	tx := s.finalTx
	txHash := tx.TxHash()
	if len(c.TxID) > 0 && !bytes.Equal(c.TxID, txHash[:]) {
		s.mtx.Unlock()
		s.fail(cj.NewError(cj.ErrBadSkeleton, "broadcast transaction differs from the signed one"))
		return
	}
	minRounds := -1
	for _, in := range s.inputs {
		if minRounds < 0 || in.Rounds < minRounds {
			minRounds = in.Rounds
		}
	}
	mixed := s.ownOutputs(tx, &txHash)
	mn := s.mn
	s.setState(StateCompleted)
	s.mtx.Unlock()

	s.m.deadlines.Cancel(s.waiterID())
	// The inputs are spent now.
	s.m.locker.UnlockSessionCoins(s.id)
	s.m.log.Infof("Session %d: mixed %d x %s in %s", s.id, len(mixed), s.denom, txHash)
	s.m.recordCompletion(mn.ProTxHash, mixed, minRounds+1)
}

// ownOutputs locates the session's outputs in the final transaction. The mtx
// MUST be held.
func (s *session) ownOutputs(tx *wire.MsgTx, txHash *chainhash.Hash) []wire.OutPoint {
	want := make(map[outputKey]int, len(s.outputs))
	for _, out := range s.outputs {
		want[outputKey{out.Value, string(out.PkScript)}]++
	}
	ops := make([]wire.OutPoint, 0, len(s.outputs))
	for i, txOut := range tx.TxOut {
		k := outputKey{uint64(txOut.Value), string(txOut.PkScript)}
		if want[k] > 0 {
			want[k]--
			ops = append(ops, *wire.NewOutPoint(txHash, uint32(i), wire.TxTreeRegular))
		}
	}
	return ops
}

// info is the getinfo entry for the session.
func (s *session) info() *SessionInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	si := &SessionInfo{
		Denomination: s.denom.Coins(),
		State:        s.state.String(),
		EntriesCount: s.entriesCount,
	}
	if s.mn != nil {
		si.ProTxHash = s.mn.ProTxHash.String()
		si.OutPoint = fmt.Sprintf("%s-%d", s.mn.OutPoint.Hash, s.mn.OutPoint.Index)
		si.Service = s.mn.Addr
	}
	return si
}

// status is a one-line description for GetStatuses.
func (s *session) status() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	str := fmt.Sprintf("Session %d (%s): %s", s.id, s.denom, s.state)
	if s.entriesCount > 0 {
		str += fmt.Sprintf(", %d entries", s.entriesCount)
	}
	if s.err != nil {
		str += ": " + s.err.Error()
	}
	return str
}

func outPoints(ins []*denom.Input) []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(ins))
	for _, in := range ins {
		ops = append(ops, in.OutPoint)
	}
	return ops
}
