package raffle

import (
	"math"
	"math/big"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Oracle issues randomness requests. The fulfillment is delivered later and
// independently through OnFulfillment; implementations must not call back
// into the raffle before RequestRandomWords returned.
type Oracle interface {
	RequestRandomWords(req OracleRequest) (uint64, error)
}

// Transferer moves value out of the raffle. A transfer either fully succeeds
// or leaves all balances untouched.
type Transferer interface {
	Transfer(to Address, amount uint64) error
}

// Journal receives every committed round together with the events emitted by
// the operation that produced it. A Commit is all-or-nothing.
type Journal interface {
	Commit(r *Round, evs []Event) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

type nopJournal struct{}

func (nopJournal) Commit(*Round, []Event) error { return nil }

// Env holds the collaborators of a raffle. Oracle and Bank are mandatory.
type Env struct {
	Oracle  Oracle
	Bank    Transferer
	Clock   Clock
	Journal Journal
}

// Raffle is the round state machine. Every exported operation is serialized
// and either commits completely or leaves the round untouched.
type Raffle struct {
	mu    sync.Mutex
	cfg   Config
	round Round

	oracle  Oracle
	bank    Transferer
	clock   Clock
	journal Journal
}

// New creates an open raffle with no players. A zero NumWords defaults to 1.
func New(cfg Config, env Env) (*Raffle, error) {
	r, err := newRaffle(cfg, env)
	if err != nil {
		return nil, err
	}
	r.round = Round{State: Open, LastTimestamp: r.clock.Now().Unix()}
	r.save(nil)
	return r, nil
}

// Restore creates a raffle continuing from a persisted round.
func Restore(cfg Config, round Round, env Env) (*Raffle, error) {
	r, err := newRaffle(cfg, env)
	if err != nil {
		return nil, err
	}
	if round.State == Calculating && !round.Pending {
		// The process stopped while the oracle call was in flight, the
		// request was never recorded.
		log.Warn("restored round was waiting for an unrecorded request, reopening")
		round.State = Open
	}
	r.round = round.clone()
	return r, nil
}

func newRaffle(cfg Config, env Env) (*Raffle, error) {
	if cfg.NumWords == 0 {
		cfg.NumWords = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.Oracle == nil || env.Bank == nil {
		return nil, xerrors.Errorf("oracle and bank are required: %w",
			ErrInvalidConfig)
	}
	r := &Raffle{
		cfg:     cfg,
		oracle:  env.Oracle,
		bank:    env.Bank,
		clock:   env.Clock,
		journal: env.Journal,
	}
	if r.clock == nil {
		r.clock = SystemClock{}
	}
	if r.journal == nil {
		r.journal = nopJournal{}
	}
	return r, nil
}

// Enter records an entry of sender paying amount. The same sender may enter
// several times.
func (r *Raffle) Enter(sender Address, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round.State != Open {
		return ErrRoundNotOpen
	}
	if amount < r.cfg.EntranceFee {
		return xerrors.Errorf("paid %d, fee is %d: %w", amount,
			r.cfg.EntranceFee, ErrInsufficientFee)
	}
	if r.round.Pool > math.MaxUint64-amount {
		return ErrPoolOverflow
	}
	next := r.round.clone()
	next.Players = append(next.Players, sender)
	next.Pool += amount
	r.commit(next, Event{
		Kind:   EventEntered,
		Player: sender,
		Amount: amount,
	})
	log.Lvl3("player entered:", sender, amount)
	return nil
}

// CheckUpkeep evaluates the upkeep condition at the current time. The
// returned perform data is always empty.
func (r *Raffle) CheckUpkeep() (bool, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return UpkeepNeeded(&r.round, r.cfg, r.clock.Now()), []byte{}
}

// PerformUpkeep closes the round by requesting randomness. performData is
// ignored, the upkeep condition is re-evaluated.
func (r *Raffle) PerformUpkeep(performData []byte) error {
	_, err := r.RequestRandomness()
	return err
}

// RequestRandomness moves the round to Calculating and asks the oracle for a
// random word. The transition is committed before the oracle is called, so
// entries and new requests made during the call are refused. If the oracle
// fails the round goes back to Open.
func (r *Raffle) RequestRandomness() (uint64, error) {
	r.mu.Lock()
	if !UpkeepNeeded(&r.round, r.cfg, r.clock.Now()) {
		err := xerrors.Errorf("state=%v players=%d pool=%d: %w", r.round.State,
			len(r.round.Players), r.round.Pool, ErrUpkeepNotNeeded)
		r.mu.Unlock()
		return 0, err
	}
	next := r.round.clone()
	next.State = Calculating
	next.Pending = false
	next.PendingRequestID = 0
	r.commit(next)
	req := OracleRequest{
		GasLane:              r.cfg.GasLane,
		SubscriptionID:       r.cfg.SubscriptionID,
		RequestConfirmations: r.cfg.RequestConfirmations,
		CallbackGasLimit:     r.cfg.CallbackGasLimit,
		NumWords:             r.cfg.NumWords,
	}
	r.mu.Unlock()

	id, err := r.oracle.RequestRandomWords(req)

	r.mu.Lock()
	defer r.mu.Unlock()
	next = r.round.clone()
	if err != nil {
		next.State = Open
		r.commit(next)
		return 0, xerrors.Errorf("requesting random words: %v", err)
	}
	next.Pending = true
	next.PendingRequestID = id
	r.commit(next, Event{Kind: EventRequestIssued, RequestID: id})
	log.Lvl2("requested randomness, request id:", id)
	return id, nil
}

// OnFulfillment settles the round with the random words delivered for
// requestID. Only the pending request is accepted. If the payout fails the
// round stays Calculating with the same pending request.
func (r *Raffle) OnFulfillment(requestID uint64, words []*big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round.State != Calculating || !r.round.Pending ||
		r.round.PendingRequestID != requestID {
		return xerrors.Errorf("request %d: %w", requestID, ErrUnknownRequest)
	}
	if len(words) == 0 || words[0] == nil {
		return ErrNoRandomWords
	}
	winner, idx, err := SelectWinner(words[0], r.round.Players)
	if err != nil {
		return err
	}
	prize := r.round.Pool
	if err := r.bank.Transfer(winner, prize); err != nil {
		return xerrors.Errorf("paying %d to %v: %v: %w", prize, winner, err,
			ErrTransferFailed)
	}
	next := r.round.clone()
	next.RecentWinner = winner
	next.Pool = 0
	next.Players = nil
	next.LastTimestamp = r.clock.Now().Unix()
	next.State = Open
	next.Pending = false
	next.PendingRequestID = 0
	next.Number++
	r.commit(next, Event{
		Kind:      EventWinnerPicked,
		Player:    winner,
		Amount:    prize,
		RequestID: requestID,
		Word:      words[0].Bytes(),
	})
	log.Lvlf2("round %d settled: winner %v (index %d) received %d",
		r.round.Number-1, winner, idx, prize)
	return nil
}

// commit installs next as the current round and hands it with the events to
// the journal. Journal failures are logged, the in-memory round stays the
// reference.
func (r *Raffle) commit(next Round, evs ...Event) {
	round := r.round.Number
	r.round = next
	now := r.clock.Now().Unix()
	for i := range evs {
		evs[i].Round = round
		evs[i].Timestamp = now
	}
	r.save(evs)
}

func (r *Raffle) save(evs []Event) {
	snap := r.round.clone()
	if err := r.journal.Commit(&snap, evs); err != nil {
		log.Errorf("saving round %d: %v", snap.Number, err)
	}
}

// EntranceFee returns the configured entrance fee.
func (r *Raffle) EntranceFee() uint64 {
	return r.cfg.EntranceFee
}

// Interval returns the configured interval in seconds.
func (r *Raffle) Interval() uint64 {
	return r.cfg.Interval
}

// Config returns the configuration.
func (r *Raffle) Config() Config {
	return r.cfg
}

// RaffleState returns whether the round is open or calculating.
func (r *Raffle) RaffleState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round.State
}

// NumberOfPlayers returns the number of entries of the current round.
func (r *Raffle) NumberOfPlayers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.round.Players)
}

// PlayerAt returns the player of the given entry.
func (r *Raffle) PlayerAt(index int) (Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.round.Players) {
		return Address{}, xerrors.Errorf("index %d of %d: %w", index,
			len(r.round.Players), ErrIndexOutOfRange)
	}
	return r.round.Players[index], nil
}

// RecentWinner returns the winner of the last settled round, or the zero
// address before the first settlement.
func (r *Raffle) RecentWinner() Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round.RecentWinner
}

// LatestTimestamp returns the unix time of the last settlement.
func (r *Raffle) LatestTimestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round.LastTimestamp
}

// Pool returns the fees collected in the current round.
func (r *Raffle) Pool() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round.Pool
}

// PendingRequest returns the outstanding request id, if any.
func (r *Raffle) PendingRequest() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round.PendingRequestID, r.round.Pending
}

// Snapshot returns a copy of the current round.
func (r *Raffle) Snapshot() Round {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round.clone()
}
