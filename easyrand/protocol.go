package easyrand

import (
	"time"

	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// SignProtocol produces the next beacon block with a threshold BLS
// signature.
type SignProtocol struct {
	*onet.TreeNodeInstance
	Msg []byte

	initChan chan initChan
	sigChan  chan sigChan
	syncChan chan syncChan

	verifyMsg func([]byte) error
	// store is called on every node with the recovered signature before the
	// root is told the round is over.
	store     func(msg, sig []byte)
	sk        *share.PriShare
	pk        *share.PubPoly
	suite     pairing.Suite
	threshold int
	timeout   time.Duration

	FinalSignature chan []byte
}

// Init carries the message to sign.
type Init struct {
	Msg []byte
}
type initChan struct {
	*onet.TreeNode
	Init
}

// Sig carries a signature share.
type Sig struct {
	ThresholdSig []byte
}
type sigChan struct {
	*onet.TreeNode
	Sig
}

// Sync tells the root that a node stored the block.
type Sync struct{}

type syncChan struct {
	*onet.TreeNode
	Sync
}

// Threshold returns the number of shares needed with n nodes.
func Threshold(n int) int {
	return n - (n-1)/3
}

// NewSignProtocol initialises the structure for use in one round.
func NewSignProtocol(n *onet.TreeNodeInstance, vf func([]byte) error,
	store func(msg, sig []byte), sk *share.PriShare, pk *share.PubPoly,
	suite pairing.Suite) (onet.ProtocolInstance, error) {
	if sk == nil || pk == nil {
		return nil, ErrNoDKG
	}
	t := &SignProtocol{
		TreeNodeInstance: n,
		verifyMsg:        vf,
		store:            store,
		sk:               sk,
		pk:               pk,
		suite:            suite,
		threshold:        Threshold(len(n.Roster().List)),
		timeout:          5 * time.Second,
		FinalSignature:   make(chan []byte, 1),
	}
	if err := t.RegisterChannels(&t.initChan, &t.sigChan, &t.syncChan); err != nil {
		return nil, err
	}
	return t, nil
}

// Start implements the onet.ProtocolInstance interface.
func (p *SignProtocol) Start() error {
	if len(p.Msg) == 0 {
		return xerrors.New("empty message")
	}
	log.Lvl3(p.ServerIdentity(), "starting")
	return p.fullBroadcast(&Init{p.Msg})
}

// Dispatch implements the onet.ProtocolInstance interface.
func (p *SignProtocol) Dispatch() error {
	defer p.Done()
	var initMsg initChan
	select {
	case initMsg = <-p.initChan:
	case <-time.After(p.timeout):
		return xerrors.New("time out waiting for the message")
	}
	if err := p.verifyMsg(initMsg.Msg); err != nil {
		return xerrors.Errorf("refusing to sign: %v", err)
	}
	log.Lvl3(p.ServerIdentity(), "signing")
	sig, err := tbls.Sign(p.suite, p.sk, initMsg.Msg)
	if err != nil {
		return err
	}
	if err := p.fullBroadcast(&Sig{sig}); err != nil {
		return err
	}
	n := len(p.List())
	sigs := make([][]byte, 0, n)
	for len(sigs) < n {
		select {
		case sigMsg := <-p.sigChan:
			sigs = append(sigs, sigMsg.ThresholdSig)
		case <-time.After(p.timeout):
			return xerrors.Errorf("time out with %d of %d shares", len(sigs), n)
		}
	}
	finalSig, err := tbls.Recover(p.suite, p.pk, initMsg.Msg, sigs, p.threshold, n)
	if err != nil {
		return err
	}
	log.Lvl3(p.ServerIdentity(), "recovered")
	p.store(initMsg.Msg, finalSig)
	if p.IsRoot() {
		for i := 0; i < n-1; i++ {
			select {
			case <-p.syncChan:
			case <-time.After(p.timeout):
				return xerrors.New("time out while synchronising")
			}
		}
		p.FinalSignature <- finalSig
		return nil
	}
	p.FinalSignature <- finalSig
	return p.SendTo(p.Root(), &Sync{})
}

func (p *SignProtocol) fullBroadcast(msg interface{}) error {
	n := len(p.List())
	errc := make(chan error, n)
	for _, treenode := range p.List() {
		go func(tn *onet.TreeNode) {
			errc <- p.SendTo(tn, msg)
		}(treenode)
	}
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}
