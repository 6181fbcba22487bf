package easyrand

import (
	"github.com/dedis/raffle/easyrand/base"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&InitDKGRequest{}, &InitDKGReply{},
		&RandomnessRequest{}, &RandomnessReply{},
		&RandomWordsRequest{}, &RandomWordsReply{},
		&FulfillRequest{}, &FulfillReply{})
}

// InitDKGRequest runs the distributed key generation among Roster. Timeout
// is in seconds, 0 means 5.
type InitDKGRequest struct {
	Roster  *onet.Roster
	Timeout int
}

// InitDKGReply is the response of DKG. Public is the marshalled beacon key.
type InitDKGReply struct {
	Public []byte
}

// RandomnessRequest asks for the next beacon block.
type RandomnessRequest struct{}

// RandomnessReply is a beacon block: Sig signs Prev, the message of Round.
type RandomnessReply struct {
	Public []byte
	Round  uint64
	Prev   []byte
	Sig    []byte
}

// RandomWordsRequest asks for random words to be delivered to the service
// ConsumerService running on Consumer. The reply only carries the request
// id; the words come later as a FulfillRequest.
type RandomWordsRequest struct {
	Consumer             *network.ServerIdentity
	ConsumerService      string
	KeyHash              []byte
	SubscriptionID       uint64
	RequestConfirmations uint32
	CallbackGasLimit     uint32
	NumWords             uint32
}

// RandomWordsReply holds the id of an accepted request.
type RandomWordsReply struct {
	RequestID uint64
}

// FulfillRequest is sent by the oracle to the consumer service.
type FulfillRequest struct {
	Fulfillment base.Fulfillment
	NumWords    uint32
}

// FulfillReply is the consumer's acknowledgement.
type FulfillReply struct{}
