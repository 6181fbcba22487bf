package service

import (
	"time"

	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&storage{}, &SetupRequest{}, &SetupReply{},
		&FundRequest{}, &FundReply{}, &EnterRequest{}, &EnterReply{},
		&CheckUpkeepRequest{}, &CheckUpkeepReply{},
		&PerformUpkeepRequest{}, &PerformUpkeepReply{},
		&GetInfoRequest{}, &GetInfoReply{},
		&GetBalanceRequest{}, &GetBalanceReply{})
}

// SetupRequest creates the raffle of a node. Without OracleRoster the node
// runs its own development beacon and OraclePublic is ignored. A zero
// KeeperPeriod disables the keeper, upkeeps are then performed by clients.
// Faucet enables Fund, which development raffles always allow.
type SetupRequest struct {
	Config       raffle.Config
	Faucet       bool
	OracleRoster *onet.Roster
	OraclePublic []byte
	KeeperPeriod time.Duration
	BeaconPeriod time.Duration
}

// SetupReply returns the key fulfillments are verified against.
type SetupReply struct {
	OraclePublic []byte
}

// FundRequest credits an account.
type FundRequest struct {
	Address raffle.Address
	Amount  uint64
}

// FundReply holds the new balance.
type FundReply struct {
	Balance uint64
}

// EnterRequest is a signed entry. Signature is a schnorr signature by
// Public on EntryMessage.
type EnterRequest struct {
	Public    kyber.Point
	Amount    uint64
	Nonce     uint64
	Signature []byte
}

// EnterReply confirms an entry.
type EnterReply struct {
	Player  raffle.Address
	Players int
}

// CheckUpkeepRequest evaluates the upkeep condition.
type CheckUpkeepRequest struct{}

// CheckUpkeepReply is the result of the upkeep check.
type CheckUpkeepReply struct {
	UpkeepNeeded bool
	PerformData  []byte
}

// PerformUpkeepRequest closes the current round.
type PerformUpkeepRequest struct {
	PerformData []byte
}

// PerformUpkeepReply holds the id of the randomness request.
type PerformUpkeepReply struct {
	RequestID uint64
}

// GetInfoRequest asks for the public state of the raffle.
type GetInfoRequest struct{}

// GetInfoReply is the public state of the raffle.
type GetInfoReply struct {
	State            raffle.State
	EntranceFee      uint64
	Interval         uint64
	Players          []raffle.Address
	Pool             uint64
	RecentWinner     raffle.Address
	LatestTimestamp  int64
	Pending          bool
	PendingRequestID uint64
	Round            uint64
}

// GetBalanceRequest asks for the account of Address.
type GetBalanceRequest struct {
	Address raffle.Address
}

// GetBalanceReply is an account.
type GetBalanceReply struct {
	Balance uint64
	Nonce   uint64
}
