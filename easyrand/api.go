package easyrand

import (
	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

// Client talks to the easyrand service of the first node of a roster.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient returns a client for r.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// InitDKG runs the key generation among the roster.
func (c *Client) InitDKG(timeout int) (*InitDKGReply, error) {
	reply := &InitDKGReply{}
	err := c.SendProtobuf(c.roster.List[0], &InitDKGRequest{Roster: c.roster,
		Timeout: timeout}, reply)
	return reply, err
}

// Randomness returns the next beacon block.
func (c *Client) Randomness() (*RandomnessReply, error) {
	reply := &RandomnessReply{}
	err := c.SendProtobuf(c.roster.List[0], &RandomnessRequest{}, reply)
	return reply, err
}

// RequestRandomWords sends a request whose fulfillment goes to service on
// consumer.
func (c *Client) RequestRandomWords(consumer *network.ServerIdentity,
	service string, req raffle.OracleRequest) (uint64, error) {
	reply := &RandomWordsReply{}
	err := c.SendProtobuf(c.roster.List[0], &RandomWordsRequest{
		Consumer:             consumer,
		ConsumerService:      service,
		KeyHash:              req.GasLane,
		SubscriptionID:       req.SubscriptionID,
		RequestConfirmations: req.RequestConfirmations,
		CallbackGasLimit:     req.CallbackGasLimit,
		NumWords:             req.NumWords,
	}, reply)
	if err != nil {
		return 0, err
	}
	return reply.RequestID, nil
}

// Oracle adapts a client to raffle.Oracle, fulfillments are delivered to
// Service on Consumer.
type Oracle struct {
	Client   *Client
	Consumer *network.ServerIdentity
	Service  string
}

// RequestRandomWords implements raffle.Oracle.
func (o *Oracle) RequestRandomWords(req raffle.OracleRequest) (uint64, error) {
	return o.Client.RequestRandomWords(o.Consumer, o.Service, req)
}
