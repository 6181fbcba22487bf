package service

import (
	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

// Client talks to the raffle of the first node of a roster.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient returns a client for r.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// Setup creates the raffle.
func (c *Client) Setup(req *SetupRequest) (*SetupReply, error) {
	reply := &SetupReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// Fund credits amount to a.
func (c *Client) Fund(a raffle.Address, amount uint64) (*FundReply, error) {
	reply := &FundReply{}
	err := c.SendProtobuf(c.roster.List[0], &FundRequest{Address: a,
		Amount: amount}, reply)
	return reply, err
}

// Enter signs and sends an entry of kp paying amount. The nonce is the one
// returned by GetBalance.
func (c *Client) Enter(kp *key.Pair, amount, nonce uint64) (*EnterReply, error) {
	a, err := raffle.AddressFromPoint(kp.Public)
	if err != nil {
		return nil, err
	}
	sig, err := signEntry(kp, a, amount, nonce)
	if err != nil {
		return nil, err
	}
	reply := &EnterReply{}
	err = c.SendProtobuf(c.roster.List[0], &EnterRequest{
		Public:    kp.Public,
		Amount:    amount,
		Nonce:     nonce,
		Signature: sig,
	}, reply)
	return reply, err
}

// CheckUpkeep evaluates the upkeep condition.
func (c *Client) CheckUpkeep() (*CheckUpkeepReply, error) {
	reply := &CheckUpkeepReply{}
	err := c.SendProtobuf(c.roster.List[0], &CheckUpkeepRequest{}, reply)
	return reply, err
}

// PerformUpkeep closes the current round.
func (c *Client) PerformUpkeep(data []byte) (*PerformUpkeepReply, error) {
	reply := &PerformUpkeepReply{}
	err := c.SendProtobuf(c.roster.List[0], &PerformUpkeepRequest{PerformData: data}, reply)
	return reply, err
}

// GetInfo returns the public state of the raffle.
func (c *Client) GetInfo() (*GetInfoReply, error) {
	reply := &GetInfoReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetInfoRequest{}, reply)
	return reply, err
}

// GetBalance returns the account of a.
func (c *Client) GetBalance(a raffle.Address) (*GetBalanceReply, error) {
	reply := &GetBalanceReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetBalanceRequest{Address: a}, reply)
	return reply, err
}

func signEntry(kp *key.Pair, a raffle.Address, amount, nonce uint64) ([]byte, error) {
	sig, err := schnorr.Sign(cothority.Suite, kp.Private, EntryMessage(a, amount, nonce))
	if err != nil {
		return nil, xerrors.Errorf("signing entry: %v", err)
	}
	return sig, nil
}
