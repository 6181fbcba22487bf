package easyrand

/*
The service.go defines what to do for each API-call. This part of the service
runs on the node.
*/

import (
	"sync"
	"time"

	"github.com/dedis/raffle/easyrand/base"
	"go.dedis.ch/cothority/v3"
	dkgprotocol "go.dedis.ch/cothority/v3/dkg/pedersen"
	"go.dedis.ch/kyber/v3/share"
	dkg "go.dedis.ch/kyber/v3/share/dkg/pedersen"
	vss "go.dedis.ch/kyber/v3/share/vss/pedersen"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var serviceID onet.ServiceID
var vssSuite = base.Suite.G2().(vss.Suite)

const dkgProtoName = "easyrand_dkg"
const signProtoName = "easyrand_sign"

// ServiceName is the name of the easyrand service
const ServiceName = "easyrand"

const deliveryAttempts = 5

var (
	// ErrNoDKG is returned before the distributed key exists.
	ErrNoDKG = xerrors.New("dkg has not been run")
	// ErrInvalidRequest is returned for malformed requests and fulfillments.
	ErrInvalidRequest = xerrors.New("invalid randomness request")
)

// CheckNumWords returns ErrInvalidRequest unless n is between 1 and
// base.MaxNumWords.
func CheckNumWords(n uint32) error {
	if n == 0 || n > base.MaxNumWords {
		return xerrors.Errorf("%d words requested: %w", n, ErrInvalidRequest)
	}
	return nil
}

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// EasyRand holds the internal state of the service.
type EasyRand struct {
	*onet.ServiceProcessor

	keypair *key.Pair
	// signMu makes sure only one block is signed at a time, the chain of
	// messages depends on it.
	signMu sync.Mutex

	sync.Mutex
	roster       *onet.Roster
	distKeyStore *dkg.DistKeyShare
	pubPoly      *share.PubPoly
	blocks       [][]byte
	nextID       uint64

	signTimeout time.Duration
	retryDelay  time.Duration
}

// InitDKG starts the DKG protocol.
func (s *EasyRand) InitDKG(req *InitDKGRequest) (*InitDKGReply, error) {
	if req.Roster == nil || len(req.Roster.List) == 0 {
		return nil, xerrors.New("empty roster")
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	tree := req.Roster.GenerateStar()
	pi, err := s.CreateProtocol(dkgProtoName, tree)
	if err != nil {
		return nil, err
	}
	setup := pi.(*dkgprotocol.Setup)
	setup.Wait = true

	if err := pi.Start(); err != nil {
		return nil, err
	}

	select {
	case <-setup.Finished:
		if err := s.storeShare(setup); err != nil {
			return nil, err
		}
	case <-time.After(timeout):
		return nil, xerrors.New("dkg did not finish")
	}
	s.Lock()
	s.roster = req.Roster
	pub := s.pubPoly.Commit()
	s.Unlock()
	buf, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	log.Lvl2(s.ServerIdentity(), "dkg done among", len(req.Roster.List), "nodes")
	return &InitDKGReply{Public: buf}, nil
}

// Randomness signs and returns the next beacon block. It is not bound to any
// request.
func (s *EasyRand) Randomness(req *RandomnessRequest) (*RandomnessReply, error) {
	return s.sign(0)
}

// RequestRandomWords accepts a request and fulfills it in the background.
// The fulfillment is sent to the consumer service once the next block is
// signed.
func (s *EasyRand) RequestRandomWords(req *RandomWordsRequest) (*RandomWordsReply, error) {
	if err := CheckNumWords(req.NumWords); err != nil {
		return nil, err
	}
	if req.Consumer == nil || req.ConsumerService == "" {
		return nil, xerrors.Errorf("no consumer: %w", ErrInvalidRequest)
	}
	s.Lock()
	if s.pubPoly == nil || s.roster == nil {
		s.Unlock()
		return nil, ErrNoDKG
	}
	s.nextID++
	id := s.nextID
	s.Unlock()

	log.Lvlf2("%v: request %d from %v for %d words", s.ServerIdentity(), id,
		req.Consumer, req.NumWords)
	go s.fulfill(id, req)
	return &RandomWordsReply{RequestID: id}, nil
}

func (s *EasyRand) fulfill(id uint64, req *RandomWordsRequest) {
	block, err := s.sign(id)
	if err != nil {
		log.Errorf("%v: couldn't sign block for request %d: %v",
			s.ServerIdentity(), id, err)
		return
	}
	msg := &FulfillRequest{
		Fulfillment: base.Fulfillment{
			RequestID: id,
			Round:     block.Round,
			Prev:      block.Prev,
			Sig:       block.Sig,
		},
		NumWords: req.NumWords,
	}
	cl := onet.NewClient(cothority.Suite, req.ConsumerService)
	defer cl.Close()
	for i := 1; i <= deliveryAttempts; i++ {
		err = cl.SendProtobuf(req.Consumer, msg, &FulfillReply{})
		if err == nil {
			log.Lvlf3("request %d fulfilled with round %d", id, block.Round)
			return
		}
		log.Lvlf2("delivery %d of request %d failed: %v", i, id, err)
		time.Sleep(time.Duration(i) * s.retryDelay)
	}
	log.Errorf("giving up on request %d: %v", id, err)
}

// sign signs the next block, bound to requestID.
func (s *EasyRand) sign(requestID uint64) (*RandomnessReply, error) {
	s.signMu.Lock()
	defer s.signMu.Unlock()

	s.Lock()
	if s.pubPoly == nil || s.roster == nil {
		s.Unlock()
		return nil, ErrNoDKG
	}
	roster := s.roster
	round := uint64(len(s.blocks))
	msg := base.NextMsg(s.blocks, requestID)
	pub := s.pubPoly.Commit()
	s.Unlock()

	pi, err := s.CreateProtocol(signProtoName, roster.GenerateStar())
	if err != nil {
		return nil, err
	}
	signPi := pi.(*SignProtocol)
	signPi.Msg = msg
	if err := pi.Start(); err != nil {
		return nil, err
	}

	select {
	case sig := <-signPi.FinalSignature:
		buf, err := pub.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return &RandomnessReply{Public: buf, Round: round, Prev: msg,
			Sig: sig}, nil
	case <-time.After(s.signTimeout):
		return nil, xerrors.New("timeout waiting for final signature")
	}
}

func (s *EasyRand) storeShare(setup *dkgprotocol.Setup) error {
	_, dks, err := setup.SharedSecret()
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.distKeyStore = dks
	s.pubPoly = share.NewPubPoly(vssSuite, vssSuite.Point().Base(), dks.Commitments())
	return nil
}

// storeBlock appends sig if it signs a message of the next round.
func (s *EasyRand) storeBlock(msg, sig []byte) {
	s.Lock()
	defer s.Unlock()
	if !base.Extends(s.blocks, msg) {
		log.Warn(s.ServerIdentity(), "dropping a block that does not extend the chain")
		return
	}
	s.blocks = append(s.blocks, sig)
}

func (s *EasyRand) verify(msg []byte) error {
	s.Lock()
	defer s.Unlock()
	if !base.Extends(s.blocks, msg) {
		return xerrors.New("bad message")
	}
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &EasyRand{
		ServiceProcessor: onet.NewServiceProcessor(c),
		keypair:          key.NewKeyPair(vssSuite),
		signTimeout:      10 * time.Second,
		retryDelay:       200 * time.Millisecond,
	}
	if _, err := s.ProtocolRegister(dkgProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		pi, err := dkgprotocol.CustomSetup(n, vssSuite, s.keypair)
		if err != nil {
			return nil, err
		}
		if n.IsRoot() {
			return pi, nil
		}
		setup := pi.(*dkgprotocol.Setup)
		go func() {
			<-setup.Finished
			if err := s.storeShare(setup); err != nil {
				log.Error(s.ServerIdentity(), err)
			}
		}()
		return pi, nil
	}); err != nil {
		return nil, err
	}
	if _, err := s.ProtocolRegister(signProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		s.Lock()
		var sk *share.PriShare
		if s.distKeyStore != nil {
			sk = s.distKeyStore.PriShare()
		}
		pk := s.pubPoly
		s.Unlock()
		return NewSignProtocol(n, s.verify, s.storeBlock, sk, pk, base.Suite)
	}); err != nil {
		return nil, err
	}
	if err := s.RegisterHandlers(s.InitDKG, s.Randomness, s.RequestRandomWords); err != nil {
		return nil, err
	}
	return s, nil
}
