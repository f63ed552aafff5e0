// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/coinlock"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/queue"
	"decred.org/coinjoin/cj/wait"
	"decred.org/coinjoin/client/db"
	"decred.org/coinjoin/client/denom"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

const deadlineRecheck = time.Second

// Config is the configuration of a Manager.
type Config struct {
	// Name is the wallet name.
	Name      string
	Wallet    Wallet
	Options   *Options
	Queues    *queue.Registry
	Transport Transport
	Resolver  MasternodeResolver
	Store     *db.Store
	Logger    cj.Logger
	// Interval is the fastest automatic mixing interval. Defaults to
	// cj.AutoDenomInterval.
	Interval time.Duration
	// MaxInterval is the interval the loop tapers to while nothing can be
	// done. Defaults to cj.MaxAutoDenomInterval.
	MaxInterval time.Duration
}

// Manager runs mixing sessions for one wallet.
type Manager struct {
	name      string
	log       cj.Logger
	wallet    Wallet
	opts      *Options
	queues    *queue.Registry
	transport Transport
	resolver  MasternodeResolver
	store     *db.Store
	locker    *coinlock.CoinLocker
	deadlines *wait.TickerQueue
	backoff   *wait.Backoff
	interval  time.Duration
	reqID     atomic.Uint64
	sessionID atomic.Uint64

	running atomic.Bool
	runMtx  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ctxMtx sync.RWMutex
	ctx    context.Context

	// planMtx serializes mixing cycles with stop and reset.
	planMtx sync.Mutex

	sessMtx  sync.RWMutex
	sessions map[uint64]*session

	usedMtx sync.Mutex
	usedMNs map[chainhash.Hash]bool

	statusMtx sync.RWMutex
	status    Status
}

// NewManager is the constructor for a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Wallet == nil || cfg.Options == nil || cfg.Queues == nil || cfg.Transport == nil ||
		cfg.Resolver == nil || cfg.Store == nil {
		return nil, errors.New("incomplete mixer configuration")
	}
	log := cfg.Logger
	if log == nil {
		log = cj.Disabled
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = cj.AutoDenomInterval
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < interval {
		maxInterval = max(cj.MaxAutoDenomInterval, interval)
	}
	prog, err := cfg.Store.Progress()
	if err != nil {
		return nil, fmt.Errorf("error loading mixing progress: %w", err)
	}
	used := make(map[chainhash.Hash]bool, len(prog.UsedMasternodes))
	for _, h := range prog.UsedMasternodes {
		used[h] = true
	}
	return &Manager{
		name:      cfg.Name,
		log:       log,
		wallet:    cfg.Wallet,
		opts:      cfg.Options,
		queues:    cfg.Queues,
		transport: cfg.Transport,
		resolver:  cfg.Resolver,
		store:     cfg.Store,
		locker:    coinlock.NewCoinLocker(log, cfg.Wallet),
		deadlines: wait.NewTickerQueue(deadlineRecheck, false),
		backoff:   &wait.Backoff{Fastest: interval, Slowest: maxInterval},
		interval:  interval,
		ctx:       context.Background(),
		sessions:  make(map[uint64]*session),
		usedMNs:   used,
	}, nil
}

// Name is the wallet name.
func (m *Manager) Name() string {
	return m.name
}

// Running is true between StartMixing and StopMixing.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Wallet is the managed wallet.
func (m *Manager) Wallet() Wallet {
	return m.wallet
}

// Status is the result of the latest mixing cycle.
func (m *Manager) Status() Status {
	m.statusMtx.RLock()
	defer m.statusMtx.RUnlock()
	return m.status
}

func (m *Manager) setStatus(st Status) {
	m.statusMtx.Lock()
	m.status = st
	m.statusMtx.Unlock()
}

func (m *Manager) runCtx() context.Context {
	m.ctxMtx.RLock()
	defer m.ctxMtx.RUnlock()
	return m.ctx
}

func (m *Manager) nextReqID() uint64 {
	return m.reqID.Add(1)
}

// StartMixing starts the automatic mixing loop. It returns false if mixing
// was already running.
func (m *Manager) StartMixing() bool {
	m.runMtx.Lock()
	defer m.runMtx.Unlock()
	if m.running.Load() {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.ctxMtx.Lock()
	m.ctx = ctx
	m.ctxMtx.Unlock()
	m.cancel = cancel
	m.running.Store(true)
	m.backoff.Succeeded()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.deadlines.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	m.log.Infof("Mixing started for wallet %q", m.name)
	return true
}

// StopMixing stops the loop and aborts every session, releasing all of their
// coins. It returns false if mixing was not running.
func (m *Manager) StopMixing() bool {
	m.runMtx.Lock()
	defer m.runMtx.Unlock()
	if !m.running.Load() {
		return false
	}
	m.running.Store(false)
	m.cancel()
	m.wg.Wait()

	m.planMtx.Lock()
	n := m.abortAll()
	m.planMtx.Unlock()
	m.setStatus(Status{Kind: StatusIdle, Msg: "Mixing was stopped"})
	m.log.Infof("Mixing stopped for wallet %q, %d sessions aborted", m.name, n)
	return true
}

// ResetPool aborts every session, releases every reservation and clears the
// mixing progress. The coins' round counts are kept. Calling it while idle
// is harmless.
func (m *Manager) ResetPool() {
	m.planMtx.Lock()
	defer m.planMtx.Unlock()
	n := m.abortAll()
	released := m.locker.UnlockAll()
	m.usedMtx.Lock()
	m.usedMNs = make(map[chainhash.Hash]bool)
	m.usedMtx.Unlock()
	if err := m.store.ClearProgress(); err != nil {
		m.log.Errorf("Error clearing mixing progress for wallet %q: %v", m.name, err)
	}
	m.backoff.Succeeded()
	m.setStatus(Status{Kind: StatusIdle})
	m.log.Infof("Mixing pool reset for wallet %q: %d sessions aborted, %d coins released",
		m.name, n, released)
}

// abortAll aborts and discards every session. The planMtx MUST be held.
func (m *Manager) abortAll() int {
	m.sessMtx.Lock()
	sessions := m.sessions
	m.sessions = make(map[uint64]*session)
	m.sessMtx.Unlock()
	for _, s := range sessions {
		s.abort()
	}
	return len(sessions)
}

func (m *Manager) run(ctx context.Context) {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		var next time.Duration
		if ok, st := m.DoAutomaticDenominating(ctx); ok {
			next = m.backoff.Succeeded()
		} else {
			next = m.backoff.Failed()
			if !st.Benign() {
				m.log.Debugf("Wallet %q mixing cycle: %s (next try in %s)", m.name, st, next)
			}
		}
		timer.Reset(next)
	}
}

// DoAutomaticDenominating runs one mixing cycle. It plans denominations,
// opens sessions up to the session limit and tries to join a masternode pool
// with each idle session. ok is true if at least one session is negotiating
// with a masternode.
func (m *Manager) DoAutomaticDenominating(ctx context.Context) (ok bool, st Status) {
	m.planMtx.Lock()
	defer m.planMtx.Unlock()
	ok, st = m.autoDenominate(ctx)
	m.setStatus(st)
	return ok, st
}

func (m *Manager) autoDenominate(ctx context.Context) (bool, Status) {
	if !m.running.Load() {
		return false, Status{StatusIdle, "Mixing is not running"}
	}
	if !m.opts.Enabled() {
		return false, Status{StatusDisabled, "Mixing is disabled"}
	}
	if m.wallet.IsLocked() {
		return false, Status{StatusWalletLocked, cj.ErrWalletLocked.Error()}
	}
	m.purgeTerminal()

	inputs, err := m.inputs(ctx)
	if err != nil {
		return false, Status{StatusFailed, err.Error()}
	}
	cfg := m.opts.Config()
	plan, err := denom.Compute(inputs, &denom.Config{
		Goal:      cfg.DenomsGoal,
		Hardcap:   cfg.DenomsHardcap,
		MaxRounds: cfg.Rounds,
		Target:    cfg.Amount * cj.AtomsPerCoin,
	})
	if err != nil {
		if errors.Is(err, cj.ErrInsufficientFunds) {
			return false, Status{StatusInsufficientFunds, err.Error()}
		}
		return false, Status{StatusFailed, err.Error()}
	}
	m.log.Tracef("Wallet %q plan: %s", m.name, plan)

	if !plan.Complete && (len(plan.Create) > 0 || plan.CreateCollateral) {
		if d, is := m.wallet.(Denominator); is {
			if err := d.CreateDenominations(ctx, plan.Create, plan.CreateCollateral); err != nil {
				m.log.Errorf("Wallet %q error creating denominations: %v", m.name, err)
			}
		}
	}

	active := m.activeSessions()
	if plan.Complete && len(active) == 0 {
		return false, Status{StatusComplete, cj.ErrNothingToDo.Error()}
	}
	busy := make(map[cj.Denomination]bool, len(active))
	for _, s := range active {
		busy[s.denom] = true
	}
	limit := cfg.SessionLimit()
	if !plan.Complete {
		avail := denom.Available(inputs, cfg.Rounds)
		for _, d := range plan.Needed {
			if len(active) >= limit {
				break
			}
			if busy[d] || avail&d == 0 {
				continue
			}
			s := m.newSession(d)
			active = append(active, s)
			busy[d] = true
		}
		// Without denominated inputs, a session still waits on a queue for the
		// most needed denomination until coins are created.
		if len(active) == 0 && len(plan.Needed) > 0 {
			active = append(active, m.newSession(plan.Needed[0]))
		}
	}

	var progressing int
	var reason error
	for _, s := range active {
		joined, err := s.tryJoin(inputs, cfg.Rounds)
		if joined {
			progressing++
		} else if err != nil && reason == nil {
			reason = err
		}
	}
	if progressing > 0 {
		return true, Status{StatusMixing, "Mixing in progress"}
	}
	if reason == nil {
		reason = cj.NewError(cj.ErrNoInputs, "no compatible inputs found")
	}
	return false, Status{StatusWaiting, reason.Error()}
}

func (m *Manager) inputs(ctx context.Context) ([]*denom.Input, error) {
	unspents, err := m.wallet.ListUnspent(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing unspent outputs: %w", err)
	}
	rounds, err := m.store.AllRounds()
	if err != nil {
		return nil, fmt.Errorf("error loading round counts: %w", err)
	}
	inputs := make([]*denom.Input, 0, len(unspents))
	for _, u := range unspents {
		inputs = append(inputs, denom.NewInput(u.OutPoint, u.Amount, rounds[u.OutPoint]))
	}
	return inputs, nil
}

// PruneRounds forgets the round counts of coins the wallet no longer has.
func (m *Manager) PruneRounds(ctx context.Context) (int, error) {
	unspents, err := m.wallet.ListUnspent(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[wire.OutPoint]bool, len(unspents))
	for _, u := range unspents {
		live[u.OutPoint] = true
	}
	return m.store.PruneRounds(func(op wire.OutPoint) bool { return live[op] })
}

func (m *Manager) newSession(d cj.Denomination) *session {
	s := newSession(m, m.sessionID.Add(1), d)
	m.sessMtx.Lock()
	m.sessions[s.id] = s
	m.sessMtx.Unlock()
	return s
}

// activeSessions are the non-terminal sessions in creation order.
func (m *Manager) activeSessions() []*session {
	m.sessMtx.RLock()
	ss := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			ss = append(ss, s)
		}
	}
	m.sessMtx.RUnlock()
	sort.Slice(ss, func(i, j int) bool { return ss[i].id < ss[j].id })
	return ss
}

func (m *Manager) sortedSessions() []*session {
	m.sessMtx.RLock()
	ss := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	m.sessMtx.RUnlock()
	sort.Slice(ss, func(i, j int) bool { return ss[i].id < ss[j].id })
	return ss
}

// purgeTerminal discards finished sessions.
func (m *Manager) purgeTerminal() {
	m.sessMtx.Lock()
	defer m.sessMtx.Unlock()
	for id, s := range m.sessions {
		if s.State().Terminal() {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) isUsed(h chainhash.Hash) bool {
	m.usedMtx.Lock()
	defer m.usedMtx.Unlock()
	return m.usedMNs[h]
}

func (m *Manager) markUsed(h chainhash.Hash) {
	m.usedMtx.Lock()
	m.usedMNs[h] = true
	m.usedMtx.Unlock()
}

// selectMasternode picks the masternode of the earliest compatible queue, or
// a random masternode that was not used recently. The used list is cleared
// once every known masternode was used.
func (m *Manager) selectMasternode(d cj.Denomination) *Masternode {
	if q := m.queues.Select(d, m.isUsed); q != nil {
		mn, err := m.resolver.Masternode(q.ProTxHash)
		if err == nil {
			return mn
		}
		m.log.Debugf("Queue from unknown masternode %s: %v", q.ProTxHash, err)
	}
	all := m.resolver.Masternodes()
	if len(all) == 0 {
		return nil
	}
	unused := make([]*Masternode, 0, len(all))
	for _, mn := range all {
		if !m.isUsed(mn.ProTxHash) {
			unused = append(unused, mn)
		}
	}
	if len(unused) == 0 {
		m.log.Debugf("All %d masternodes used, clearing the used list", len(all))
		m.usedMtx.Lock()
		m.usedMNs = make(map[chainhash.Hash]bool)
		m.usedMtx.Unlock()
		unused = all
	}
	return unused[rand.IntN(len(unused))]
}

// recordCompletion persists the round counts of the mixed outputs and the
// wallet's progress. A storage failure disables mixing.
func (m *Manager) recordCompletion(mn chainhash.Hash, mixed []wire.OutPoint, rounds int) {
	err := m.store.SetRounds(mixed, rounds)
	if err == nil {
		err = m.store.UpdateProgress(func(p *db.Progress) {
			p.CompletedRounds++
			p.LastSuccess = time.Now()
			for _, h := range p.UsedMasternodes {
				if h == mn {
					return
				}
			}
			p.UsedMasternodes = append(p.UsedMasternodes, mn)
		})
	}
	if err != nil {
		m.log.Errorf("Error recording mixing progress for wallet %q: %v", m.name, err)
		m.opts.Disable(err)
	}
}

// HandleMessage delivers a masternode's message to the matching session. It
// returns false if no session wanted the message.
func (m *Manager) HandleMessage(from chainhash.Hash, msg *msgjson.Message) bool {
	var sessionID uint64
	var deliver func(*session)
	switch msg.Route {
	case msgjson.StatusUpdateRoute:
		su := new(msgjson.StatusUpdate)
		if err := msg.Unmarshal(su); err != nil {
			m.log.Debugf("Bad %s from %s: %v", msg.Route, from, err)
			return false
		}
		sessionID, deliver = su.SessionID, func(s *session) { s.handleStatusUpdate(su) }
	case msgjson.FinalTxRoute:
		ft := new(msgjson.FinalTx)
		if err := msg.Unmarshal(ft); err != nil {
			m.log.Debugf("Bad %s from %s: %v", msg.Route, from, err)
			return false
		}
		sessionID, deliver = ft.SessionID, func(s *session) { s.handleFinalTx(ft) }
	case msgjson.CompleteRoute:
		c := new(msgjson.Complete)
		if err := msg.Unmarshal(c); err != nil {
			m.log.Debugf("Bad %s from %s: %v", msg.Route, from, err)
			return false
		}
		sessionID, deliver = c.SessionID, func(s *session) { s.handleComplete(c) }
	default:
		return false
	}
	for _, s := range m.sortedSessions() {
		if s.matches(from, sessionID) {
			deliver(s)
			return true
		}
	}
	return false
}

// GetStatuses describes every session, or the latest cycle's status if there
// are none.
func (m *Manager) GetStatuses() string {
	ss := m.sortedSessions()
	if len(ss) == 0 {
		return m.Status().String()
	}
	strs := make([]string, 0, len(ss))
	for _, s := range ss {
		strs = append(strs, s.status())
	}
	return strings.Join(strs, "; ")
}

// Info is the getcoinjoininfo result for the wallet.
func (m *Manager) Info() *Info {
	info := NewInfo(m.opts, m.queues.Size())
	info.Running = m.running.Load()
	for _, s := range m.activeSessions() {
		info.Sessions = append(info.Sessions, s.info())
	}
	var warnings string
	if n, legacy := m.wallet.KeysLeft(); legacy {
		info.KeysLeft = &n
		warnings = keypoolWarning(n)
	}
	info.Warnings = &warnings
	return info
}

// LockedCoins is the number of coins reserved by sessions.
func (m *Manager) LockedCoins() int {
	return m.locker.Count()
}
