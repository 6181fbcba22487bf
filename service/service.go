// Package service hosts a raffle in an onet conode. Participants fund their
// account and send signed entries, the node keeps the round going with its
// keeper and settles it with randomness from an easyrand roster.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dedis/raffle/bank"
	"github.com/dedis/raffle/easyrand"
	"github.com/dedis/raffle/easyrand/base"
	"github.com/dedis/raffle/keeper"
	"github.com/dedis/raffle/raffle"
	"github.com/dedis/raffle/store"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var serviceID onet.ServiceID
var storageKey = []byte("storage")

// ServiceName is the name of the raffle service
const ServiceName = "RaffleService"

var (
	// ErrNotSetup is returned before Setup.
	ErrNotSetup     = xerrors.New("raffle is not set up")
	ErrAlreadySetup = xerrors.New("raffle is already set up")
	// ErrBadSignature is returned for entries not signed by the player.
	ErrBadSignature = xerrors.New("invalid entry signature")
	// ErrNoFaucet is returned by Fund unless the raffle allows funding.
	ErrNoFaucet = xerrors.New("funding is disabled on this raffle")
)

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// storage is what the node needs to bring its raffle back after a restart.
type storage struct {
	Setup *SetupRequest
}

// Service holds one raffle.
type Service struct {
	*onet.ServiceProcessor

	sync.Mutex
	dataDir  string
	faucet   bool
	raffle   *raffle.Raffle
	bank     *bank.Bank
	store    *store.Store
	consumer *easyrand.RaffleConsumer
	beacon   *easyrand.Beacon
	cancel   context.CancelFunc
}

// EntryMessage is the message signed by a participant to enter with amount.
func EntryMessage(a raffle.Address, amount, nonce uint64) []byte {
	h := sha256.New()
	h.Write([]byte("enter"))
	h.Write(a[:])
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, amount)
	h.Write(buf)
	binary.LittleEndian.PutUint64(buf, nonce)
	h.Write(buf)
	return h.Sum(nil)
}

// Setup creates the raffle.
func (s *Service) Setup(req *SetupRequest) (*SetupReply, error) {
	s.Lock()
	defer s.Unlock()
	if s.raffle != nil {
		return nil, ErrAlreadySetup
	}
	if err := s.start(req); err != nil {
		return nil, err
	}
	if err := s.Save(storageKey, &storage{Setup: req}); err != nil {
		log.Errorf("Could not save data: %v", err)
		return nil, err
	}
	pub, err := s.consumer.Public.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SetupReply{OraclePublic: pub}, nil
}

// start builds the raffle and its collaborators, continuing from the
// database if it holds a round. The caller holds the lock.
func (s *Service) start(req *SetupRequest) error {
	cfg := req.Config
	if cfg.NumWords == 0 {
		cfg.NumWords = 1
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := store.Open(s.dbPath())
	if err != nil {
		return err
	}
	accs, err := db.LoadAccounts()
	if err != nil {
		db.Close()
		return err
	}
	bk := bank.Load(accs)

	var oracle raffle.Oracle
	var pub kyber.Point
	var beacon *easyrand.Beacon
	if req.OracleRoster == nil {
		beacon = easyrand.NewBeacon()
		oracle = beacon
		pub = beacon.Public()
	} else {
		pub, err = base.UnmarshalPublic(req.OraclePublic)
		if err != nil {
			db.Close()
			return err
		}
		oracle = &easyrand.Oracle{
			Client:   easyrand.NewClient(req.OracleRoster),
			Consumer: s.ServerIdentity(),
			Service:  ServiceName,
		}
	}

	env := raffle.Env{Oracle: oracle, Bank: bk, Journal: db.WithAccounts(bk.Export)}
	var r *raffle.Raffle
	round, err := db.LoadRound()
	switch {
	case err == nil:
		log.Lvl2(s.ServerIdentity(), "restoring round", round.Number, round.State)
		if round.Pending && beacon != nil {
			log.Warn(s.ServerIdentity(), "request", round.PendingRequestID,
				"was made to a previous development beacon and will not be fulfilled")
		}
		r, err = raffle.Restore(cfg, *round, env)
	case xerrors.Is(err, store.ErrNotFound):
		if err = db.SaveConfig(&cfg); err == nil {
			r, err = raffle.New(cfg, env)
		}
	}
	if err != nil {
		db.Close()
		return err
	}

	s.raffle = r
	s.faucet = req.Faucet || beacon != nil
	s.bank = bk
	s.store = db
	s.beacon = beacon
	s.consumer = &easyrand.RaffleConsumer{Raffle: r, Public: pub}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if beacon != nil {
		beacon.SetConsumer(s)
		period := req.BeaconPeriod
		if period == 0 {
			period = time.Second
		}
		go beacon.Run(ctx, period)
	}
	if req.KeeperPeriod > 0 {
		go keeper.New(r, req.KeeperPeriod).Run(ctx)
	}
	log.Lvl2(s.ServerIdentity(), "raffle started, fee", cfg.EntranceFee,
		"interval", cfg.Interval)
	return nil
}

func (s *Service) dbPath() string {
	return filepath.Join(s.dataDir, fmt.Sprintf("raffle-%s.db", s.ServerIdentity().ID))
}

func (s *Service) running() (*raffle.Raffle, *bank.Bank, error) {
	s.Lock()
	defer s.Unlock()
	if s.raffle == nil {
		return nil, nil, ErrNotSetup
	}
	return s.raffle, s.bank, nil
}

func (s *Service) saveAccounts() {
	s.Lock()
	bk, db := s.bank, s.store
	s.Unlock()
	if db == nil {
		return
	}
	if err := db.SaveAccounts(bk.Export()); err != nil {
		log.Errorf("saving accounts: %v", err)
	}
}

// Fund credits an account. It is only available on development raffles and
// on raffles set up with a faucet.
func (s *Service) Fund(req *FundRequest) (*FundReply, error) {
	_, bk, err := s.running()
	if err != nil {
		return nil, err
	}
	s.Lock()
	faucet := s.faucet
	s.Unlock()
	if !faucet {
		return nil, ErrNoFaucet
	}
	if err := bk.Deposit(req.Address, req.Amount); err != nil {
		return nil, err
	}
	s.saveAccounts()
	return &FundReply{Balance: bk.Balance(req.Address)}, nil
}

// Enter checks the signature of the entry, moves the amount from the
// participant's account into the escrow and enters the raffle. The accounts
// are persisted with the round. The amount is given back if the raffle
// refuses the entry.
func (s *Service) Enter(req *EnterRequest) (*EnterReply, error) {
	r, bk, err := s.running()
	if err != nil {
		return nil, err
	}
	if req.Public == nil {
		return nil, xerrors.Errorf("missing public key: %w", ErrBadSignature)
	}
	player, err := raffle.AddressFromPoint(req.Public)
	if err != nil {
		return nil, err
	}
	msg := EntryMessage(player, req.Amount, req.Nonce)
	if err := schnorr.Verify(cothority.Suite, req.Public, msg, req.Signature); err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrBadSignature)
	}
	if err := bk.Debit(player, req.Amount, req.Nonce); err != nil {
		return nil, err
	}
	if err := r.Enter(player, req.Amount); err != nil {
		if cerr := bk.Credit(player, req.Amount); cerr != nil {
			log.Errorf("couldn't give back %d to %v: %v", req.Amount, player, cerr)
		}
		s.saveAccounts()
		return nil, err
	}
	return &EnterReply{Player: player, Players: r.NumberOfPlayers()}, nil
}

// CheckUpkeep evaluates the upkeep condition.
func (s *Service) CheckUpkeep(req *CheckUpkeepRequest) (*CheckUpkeepReply, error) {
	r, _, err := s.running()
	if err != nil {
		return nil, err
	}
	needed, data := r.CheckUpkeep()
	return &CheckUpkeepReply{UpkeepNeeded: needed, PerformData: data}, nil
}

// PerformUpkeep requests randomness for the current round.
func (s *Service) PerformUpkeep(req *PerformUpkeepRequest) (*PerformUpkeepReply, error) {
	r, _, err := s.running()
	if err != nil {
		return nil, err
	}
	id, err := r.RequestRandomness()
	if err != nil {
		return nil, err
	}
	return &PerformUpkeepReply{RequestID: id}, nil
}

// GetInfo returns the public state of the raffle.
func (s *Service) GetInfo(req *GetInfoRequest) (*GetInfoReply, error) {
	r, _, err := s.running()
	if err != nil {
		return nil, err
	}
	round := r.Snapshot()
	return &GetInfoReply{
		State:            round.State,
		EntranceFee:      r.EntranceFee(),
		Interval:         r.Interval(),
		Players:          round.Players,
		Pool:             round.Pool,
		RecentWinner:     round.RecentWinner,
		LatestTimestamp:  round.LastTimestamp,
		Pending:          round.Pending,
		PendingRequestID: round.PendingRequestID,
		Round:            round.Number,
	}, nil
}

// GetBalance returns an account.
func (s *Service) GetBalance(req *GetBalanceRequest) (*GetBalanceReply, error) {
	_, bk, err := s.running()
	if err != nil {
		return nil, err
	}
	return &GetBalanceReply{
		Balance: bk.Balance(req.Address),
		Nonce:   bk.Nonce(req.Address),
	}, nil
}

// Fulfill receives the randomness sent by the easyrand roster.
func (s *Service) Fulfill(req *easyrand.FulfillRequest) (*easyrand.FulfillReply, error) {
	if err := easyrand.CheckNumWords(req.NumWords); err != nil {
		return nil, err
	}
	if err := s.FulfillRandomWords(&req.Fulfillment, int(req.NumWords)); err != nil {
		return nil, err
	}
	return &easyrand.FulfillReply{}, nil
}

// FulfillRandomWords implements easyrand.Consumer: the fulfillment has to be
// signed by the configured oracle key.
func (s *Service) FulfillRandomWords(f *base.Fulfillment, numWords int) error {
	s.Lock()
	consumer := s.consumer
	s.Unlock()
	if consumer == nil {
		return ErrNotSetup
	}
	if err := consumer.FulfillRandomWords(f, numWords); err != nil {
		log.Lvlf2("%v: fulfillment of request %d refused: %v",
			s.ServerIdentity(), f.RequestID, err)
		return err
	}
	return nil
}

// close stops the background routines and closes the database.
func (s *Service) close() {
	s.Lock()
	defer s.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error(err)
		}
	}
	s.raffle = nil
	s.faucet = false
	s.consumer = nil
	s.store = nil
}

func (s *Service) tryLoad() error {
	msg, err := s.Load(storageKey)
	if err != nil {
		log.Errorf("Load storage failed: %v", err)
		return err
	}
	if msg == nil {
		return nil
	}
	st, ok := msg.(*storage)
	if !ok {
		return xerrors.New("store of wrong type")
	}
	if st.Setup == nil {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	return s.start(st.Setup)
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		dataDir:          os.Getenv("RAFFLE_DATA_DIR"),
	}
	if s.dataDir == "" {
		s.dataDir = os.TempDir()
	}
	if err := s.RegisterHandlers(s.Setup, s.Fund, s.Enter, s.CheckUpkeep,
		s.PerformUpkeep, s.GetInfo, s.GetBalance, s.Fulfill); err != nil {
		log.Errorf("couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
