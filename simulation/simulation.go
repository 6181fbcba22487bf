package main

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/raffle/easyrand"
	"github.com/dedis/raffle/raffle"
	"github.com/dedis/raffle/service"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul/monitor"
	"golang.org/x/xerrors"
)

// SimulationService plays raffle rounds on the first node of the roster,
// with the randomness coming from the whole roster.
type SimulationService struct {
	onet.SimulationBFTree
	NumParticipants int
	EntranceFee     uint64
	Interval        int
	SettleTimeout   int
}

func init() {
	onet.SimulationRegister("Raffle", NewRaffleSimulation)
}

// NewRaffleSimulation decodes the simulation parameters.
func NewRaffleSimulation(config string) (onet.Simulation, error) {
	ss := &SimulationService{}
	_, err := toml.Decode(config, ss)
	if err != nil {
		return nil, err
	}
	if ss.EntranceFee == 0 {
		ss.EntranceFee = 10000000000000000
	}
	if ss.SettleTimeout == 0 {
		ss.SettleTimeout = 60
	}
	return ss, nil
}

// Setup implements onet.Simulation.
func (s *SimulationService) Setup(dir string,
	hosts []string) (*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// Node implements onet.Simulation.
func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.GetID())
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

func (s *SimulationService) enterAll(cl *service.Client,
	participants []*key.Pair, nonces map[raffle.Address]uint64) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, kp := range participants {
		wg.Add(1)
		go func(kp *key.Pair) {
			defer wg.Done()
			a, err := raffle.AddressFromPoint(kp.Public)
			if err == nil {
				mu.Lock()
				nonce := nonces[a]
				nonces[a]++
				mu.Unlock()
				_, err = cl.Enter(kp, s.EntranceFee, nonce)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(kp)
	}
	wg.Wait()
	return firstErr
}

func (s *SimulationService) waitSettled(cl *service.Client, round uint64) error {
	deadline := time.Now().Add(time.Duration(s.SettleTimeout) * time.Second)
	for time.Now().Before(deadline) {
		info, err := cl.GetInfo()
		if err != nil {
			return err
		}
		if info.Round > round {
			log.Lvlf1("round %d won by %v", round, info.RecentWinner)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return xerrors.Errorf("round %d was not settled in time", round)
}

// Run implements onet.Simulation.
func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	randCl := easyrand.NewClient(config.Roster)
	defer randCl.Close()
	dkgMonitor := monitor.NewTimeMeasure("dkg")
	dkgReply, err := randCl.InitDKG(20)
	if err != nil {
		log.Errorf("initializing DKG: %v", err)
		return err
	}
	dkgMonitor.Record()
	time.Sleep(time.Second)

	cl := service.NewClient(config.Roster)
	defer cl.Close()
	_, err = cl.Setup(&service.SetupRequest{
		Config: raffle.Config{
			EntranceFee: s.EntranceFee,
			Interval:    uint64(s.Interval),
			NumWords:    1,
		},
		Faucet:       true,
		OracleRoster: config.Roster,
		OraclePublic: dkgReply.Public,
	})
	if err != nil {
		log.Errorf("setting up the raffle: %v", err)
		return err
	}

	participants := make([]*key.Pair, s.NumParticipants)
	nonces := make(map[raffle.Address]uint64)
	for i := range participants {
		participants[i] = key.NewKeyPair(cothority.Suite)
		a, err := raffle.AddressFromPoint(participants[i].Public)
		if err != nil {
			return err
		}
		_, err = cl.Fund(a, uint64(s.Rounds)*s.EntranceFee)
		if err != nil {
			log.Errorf("funding participant %d: %v", i, err)
			return err
		}
	}

	for round := 0; round < s.Rounds; round++ {
		log.Lvl1("Starting round", round)
		enterMonitor := monitor.NewTimeMeasure("enter")
		if err := s.enterAll(cl, participants, nonces); err != nil {
			log.Errorf("entering: %v", err)
			return err
		}
		enterMonitor.Record()

		var reply *service.CheckUpkeepReply
		for {
			reply, err = cl.CheckUpkeep()
			if err != nil {
				return err
			}
			if reply.UpkeepNeeded {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		settleMonitor := monitor.NewTimeMeasure("settle")
		if _, err := cl.PerformUpkeep(reply.PerformData); err != nil {
			log.Errorf("performing upkeep: %v", err)
			return err
		}
		if err := s.waitSettled(cl, uint64(round)); err != nil {
			return err
		}
		settleMonitor.Record()
	}
	return nil
}
