package raffle

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

const fee = uint64(10000000000000000) // 0.01 ether

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type testClock struct {
	sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)
	c.Unlock()
}

type testOracle struct {
	next      uint64
	reqs      []OracleRequest
	err       error
	onRequest func()
}

func (o *testOracle) RequestRandomWords(req OracleRequest) (uint64, error) {
	if o.onRequest != nil {
		o.onRequest()
	}
	if o.err != nil {
		return 0, o.err
	}
	o.next++
	o.reqs = append(o.reqs, req)
	return o.next, nil
}

type testBank struct {
	balances map[Address]uint64
	err      error
}

func (b *testBank) Transfer(to Address, amount uint64) error {
	if b.err != nil {
		return b.err
	}
	b.balances[to] += amount
	return nil
}

type testJournal struct {
	rounds []Round
	events []Event
}

func (j *testJournal) Commit(r *Round, evs []Event) error {
	j.rounds = append(j.rounds, *r)
	j.events = append(j.events, evs...)
	return nil
}

type fixture struct {
	r       *Raffle
	clock   *testClock
	oracle  *testOracle
	bank    *testBank
	journal *testJournal
}

func testConfig() Config {
	return Config{
		EntranceFee:      fee,
		Interval:         30,
		GasLane:          []byte{0x47, 0x4e},
		SubscriptionID:   894,
		CallbackGasLimit: 400000,
		NumWords:         1,
	}
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		clock:   &testClock{now: time.Unix(1700000000, 0)},
		oracle:  &testOracle{},
		bank:    &testBank{balances: make(map[Address]uint64)},
		journal: &testJournal{},
	}
	r, err := New(testConfig(), Env{
		Oracle:  f.oracle,
		Bank:    f.bank,
		Clock:   f.clock,
		Journal: f.journal,
	})
	require.NoError(t, err)
	f.r = r
	return f
}

func addr(b byte) Address {
	var a Address
	a[0] = b
	return a
}

func TestRaffle_Constructor(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, Open, f.r.RaffleState())
	require.Equal(t, uint64(30), f.r.Interval())
	require.Equal(t, fee, f.r.EntranceFee())
	require.Equal(t, 0, f.r.NumberOfPlayers())
	require.True(t, f.r.RecentWinner().IsZero())
	require.Equal(t, f.clock.Now().Unix(), f.r.LatestTimestamp())
	_, pending := f.r.PendingRequest()
	require.False(t, pending)

	_, err := New(Config{EntranceFee: fee, NumWords: 2}, Env{Oracle: f.oracle, Bank: f.bank})
	require.True(t, xerrors.Is(err, ErrInvalidConfig))
	_, err = New(testConfig(), Env{Bank: f.bank})
	require.True(t, xerrors.Is(err, ErrInvalidConfig))
}

func TestRaffle_EnterInsufficientFee(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []uint64{0, 1, fee / 2, fee - 1} {
		err := f.r.Enter(addr(1), amount)
		require.True(t, xerrors.Is(err, ErrInsufficientFee))
	}
	require.Equal(t, 0, f.r.NumberOfPlayers())
	require.Equal(t, uint64(0), f.r.Pool())
	require.Empty(t, f.journal.events)
}

func TestRaffle_EnterAccumulates(t *testing.T) {
	f := newFixture(t)
	amounts := []uint64{fee, fee * 2, fee, fee + 7}
	players := []Address{addr(1), addr(2), addr(1), addr(3)}
	sum := uint64(0)
	for i := range amounts {
		require.NoError(t, f.r.Enter(players[i], amounts[i]))
		sum += amounts[i]
	}
	require.Equal(t, sum, f.r.Pool())
	require.Equal(t, len(players), f.r.NumberOfPlayers())
	for i, p := range players {
		got, err := f.r.PlayerAt(i)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := f.r.PlayerAt(len(players))
	require.True(t, xerrors.Is(err, ErrIndexOutOfRange))
	_, err = f.r.PlayerAt(-1)
	require.True(t, xerrors.Is(err, ErrIndexOutOfRange))

	require.Len(t, f.journal.events, len(players))
	require.Equal(t, EventEntered, f.journal.events[0].Kind)
	require.Equal(t, players[0], f.journal.events[0].Player)
	require.Equal(t, amounts[0], f.journal.events[0].Amount)
}

func TestRaffle_EnterPoolOverflow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), ^uint64(0)-1))
	err := f.r.Enter(addr(2), fee)
	require.True(t, xerrors.Is(err, ErrPoolOverflow))
	require.Equal(t, 1, f.r.NumberOfPlayers())
}

func TestRaffle_CheckUpkeep(t *testing.T) {
	f := newFixture(t)
	ok, data := f.r.CheckUpkeep()
	require.False(t, ok)
	require.NotNil(t, data)

	// no players, time passed
	f.clock.advance(31 * time.Second)
	ok, _ = f.r.CheckUpkeep()
	require.False(t, ok)

	// players, time not passed
	f = newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(29 * time.Second)
	ok, _ = f.r.CheckUpkeep()
	require.False(t, ok)

	f.clock.advance(time.Second)
	ok, _ = f.r.CheckUpkeep()
	require.True(t, ok)

	// calculating
	_, err := f.r.RequestRandomness()
	require.NoError(t, err)
	ok, _ = f.r.CheckUpkeep()
	require.False(t, ok)
}

func TestUpkeepNeeded(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(1000, 0)
	base := Round{State: Open, Players: []Address{addr(1)}, Pool: fee,
		LastTimestamp: 1000 - 30}
	require.True(t, UpkeepNeeded(&base, cfg, now))

	r := base.clone()
	r.LastTimestamp = 1000 - 29
	require.False(t, UpkeepNeeded(&r, cfg, now))

	r = base.clone()
	r.Pool = 0
	require.False(t, UpkeepNeeded(&r, cfg, now))

	r = base.clone()
	r.Players = nil
	require.False(t, UpkeepNeeded(&r, cfg, now))

	r = base.clone()
	r.State = Calculating
	require.False(t, UpkeepNeeded(&r, cfg, now))

	// clock behind the last settlement
	r = base.clone()
	r.LastTimestamp = 2000
	require.False(t, UpkeepNeeded(&r, cfg, now))
}

func TestRaffle_RequestRandomness(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.RequestRandomness()
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))

	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(30 * time.Second)
	id, err := f.r.RequestRandomness()
	require.NoError(t, err)
	require.Equal(t, Calculating, f.r.RaffleState())
	pending, ok := f.r.PendingRequest()
	require.True(t, ok)
	require.Equal(t, id, pending)

	require.Len(t, f.oracle.reqs, 1)
	req := f.oracle.reqs[0]
	require.Equal(t, uint32(1), req.NumWords)
	require.Equal(t, uint64(894), req.SubscriptionID)
	require.Equal(t, uint32(400000), req.CallbackGasLimit)
	require.Equal(t, []byte{0x47, 0x4e}, req.GasLane)

	last := f.journal.events[len(f.journal.events)-1]
	require.Equal(t, EventRequestIssued, last.Kind)
	require.Equal(t, id, last.RequestID)

	// no second request and no entries while calculating
	_, err = f.r.RequestRandomness()
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))
	require.Len(t, f.oracle.reqs, 1)
	for _, amount := range []uint64{0, fee, fee * 10} {
		require.True(t, xerrors.Is(f.r.Enter(addr(2), amount), ErrRoundNotOpen))
	}
	require.Equal(t, 1, f.r.NumberOfPlayers())
}

func TestRaffle_RequestRandomnessReentrant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(time.Minute)

	var enterErr, requestErr, fulfillErr error
	f.oracle.onRequest = func() {
		enterErr = f.r.Enter(addr(2), fee)
		_, requestErr = f.r.RequestRandomness()
		fulfillErr = f.r.OnFulfillment(1, []*big.Int{big.NewInt(1)})
	}
	_, err := f.r.RequestRandomness()
	require.NoError(t, err)
	require.True(t, xerrors.Is(enterErr, ErrRoundNotOpen))
	require.True(t, xerrors.Is(requestErr, ErrUpkeepNotNeeded))
	require.True(t, xerrors.Is(fulfillErr, ErrUnknownRequest))
	require.Len(t, f.oracle.reqs, 1)
	require.Equal(t, 1, f.r.NumberOfPlayers())
}

func TestRaffle_RequestRandomnessOracleFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(time.Minute)
	f.oracle.err = xerrors.New("subscription underfunded")
	_, err := f.r.RequestRandomness()
	require.Error(t, err)
	require.Equal(t, Open, f.r.RaffleState())
	_, pending := f.r.PendingRequest()
	require.False(t, pending)
	require.Equal(t, uint64(fee), f.r.Pool())

	f.oracle.err = nil
	_, err = f.r.RequestRandomness()
	require.NoError(t, err)
}

func TestRaffle_OnFulfillment(t *testing.T) {
	f := newFixture(t)
	players := []Address{addr(1), addr(2), addr(3)}
	for _, p := range players {
		require.NoError(t, f.r.Enter(p, fee))
	}
	f.clock.advance(time.Minute)
	id, err := f.r.RequestRandomness()
	require.NoError(t, err)

	err = f.r.OnFulfillment(id+1, []*big.Int{big.NewInt(7)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
	require.Equal(t, Calculating, f.r.RaffleState())
	require.Equal(t, ErrNoRandomWords, f.r.OnFulfillment(id, nil))

	f.clock.advance(5 * time.Second)
	require.NoError(t, f.r.OnFulfillment(id, []*big.Int{big.NewInt(7)}))
	winner := players[7%3]
	require.Equal(t, winner, f.r.RecentWinner())
	require.Equal(t, 3*fee, f.bank.balances[winner])
	require.Equal(t, uint64(0), f.r.Pool())
	require.Equal(t, 0, f.r.NumberOfPlayers())
	require.Equal(t, Open, f.r.RaffleState())
	require.Equal(t, f.clock.Now().Unix(), f.r.LatestTimestamp())
	_, pending := f.r.PendingRequest()
	require.False(t, pending)
	require.Equal(t, uint64(1), f.r.Snapshot().Number)

	last := f.journal.events[len(f.journal.events)-1]
	require.Equal(t, EventWinnerPicked, last.Kind)
	require.Equal(t, winner, last.Player)
	require.Equal(t, 3*fee, last.Amount)
	require.Equal(t, uint64(0), last.Round)
	require.Equal(t, big.NewInt(7).Bytes(), last.Word)

	// a duplicate or stale fulfillment is refused
	err = f.r.OnFulfillment(id, []*big.Int{big.NewInt(7)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))

	// and stays refused in the next round
	require.NoError(t, f.r.Enter(addr(4), fee))
	f.clock.advance(time.Minute)
	id2, err := f.r.RequestRandomness()
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
	err = f.r.OnFulfillment(id, []*big.Int{big.NewInt(7)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
	require.NoError(t, f.r.OnFulfillment(id2, []*big.Int{big.NewInt(7)}))
	require.Equal(t, addr(4), f.r.RecentWinner())
}

func TestRaffle_OnFulfillmentTransferFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(time.Minute)
	id, err := f.r.RequestRandomness()
	require.NoError(t, err)

	f.bank.err = xerrors.New("escrow locked")
	before := f.r.Snapshot()
	err = f.r.OnFulfillment(id, []*big.Int{big.NewInt(3)})
	require.True(t, xerrors.Is(err, ErrTransferFailed))
	require.Equal(t, before, f.r.Snapshot())
	require.True(t, f.r.RecentWinner().IsZero())

	// re-delivery settles the round
	f.bank.err = nil
	require.NoError(t, f.r.OnFulfillment(id, []*big.Int{big.NewInt(3)}))
	require.Equal(t, addr(1), f.r.RecentWinner())
	require.Equal(t, fee, f.bank.balances[addr(1)])
}

func TestRaffle_OnFulfillmentNotCalculating(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	err := f.r.OnFulfillment(0, []*big.Int{big.NewInt(1)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
	require.Equal(t, 1, f.r.NumberOfPlayers())
}

func TestRaffle_Restore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(time.Minute)
	id, err := f.r.RequestRandomness()
	require.NoError(t, err)

	saved := f.journal.rounds[len(f.journal.rounds)-1]
	r, err := Restore(testConfig(), saved, Env{Oracle: f.oracle, Bank: f.bank,
		Clock: f.clock})
	require.NoError(t, err)
	require.Equal(t, Calculating, r.RaffleState())
	require.NoError(t, r.OnFulfillment(id, []*big.Int{big.NewInt(0)}))
	require.Equal(t, addr(1), r.RecentWinner())

	// a round persisted while the oracle call was in flight is reopened
	inFlight := Round{State: Calculating, Players: []Address{addr(1)}, Pool: fee}
	r, err = Restore(testConfig(), inFlight, Env{Oracle: f.oracle, Bank: f.bank,
		Clock: f.clock})
	require.NoError(t, err)
	require.Equal(t, Open, r.RaffleState())
	require.Equal(t, 1, r.NumberOfPlayers())
}

// Scenario A: a single player wins the whole pool.
func TestRaffle_ScenarioSinglePlayer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(9), fee))
	f.clock.advance(30 * time.Second)
	ok, data := f.r.CheckUpkeep()
	require.True(t, ok)
	require.NoError(t, f.r.PerformUpkeep(data))
	require.Equal(t, Calculating, f.r.RaffleState())
	id, _ := f.r.PendingRequest()
	word, _ := new(big.Int).SetString("78541660797044910968829902406342334108369226379826116161446442989268089806461", 10)
	require.NoError(t, f.r.OnFulfillment(id, []*big.Int{word}))
	require.Equal(t, addr(9), f.r.RecentWinner())
	require.Equal(t, fee, f.bank.balances[addr(9)])
	require.Equal(t, Open, f.r.RaffleState())
}

// Scenario B: an underpaid entry leaves the round empty.
func TestRaffle_ScenarioUnderpaid(t *testing.T) {
	f := newFixture(t)
	err := f.r.Enter(addr(1), fee/2)
	require.True(t, xerrors.Is(err, ErrInsufficientFee))
	require.Equal(t, 0, f.r.NumberOfPlayers())
	require.Equal(t, uint64(0), f.r.Pool())
}

// Scenario C: a player entering twice can occupy the winning slot.
func TestRaffle_ScenarioDoubleEntry(t *testing.T) {
	f := newFixture(t)
	twice := addr(2)
	for _, p := range []Address{addr(1), twice, addr(3), twice} {
		require.NoError(t, f.r.Enter(p, fee))
	}
	f.clock.advance(time.Minute)
	id, err := f.r.RequestRandomness()
	require.NoError(t, err)
	require.NoError(t, f.r.OnFulfillment(id, []*big.Int{big.NewInt(5)}))
	require.Equal(t, twice, f.r.RecentWinner())
	require.Equal(t, 4*fee, f.bank.balances[twice])
}

// Scenario D: upkeep before the interval elapsed is refused.
func TestRaffle_ScenarioEarlyUpkeep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Enter(addr(1), fee))
	f.clock.advance(10 * time.Second)
	err := f.r.PerformUpkeep(nil)
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))
	require.Equal(t, Open, f.r.RaffleState())
	_, pending := f.r.PendingRequest()
	require.False(t, pending)
	require.Empty(t, f.oracle.reqs)
}
