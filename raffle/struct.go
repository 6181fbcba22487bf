package raffle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// State is the phase of the current round.
type State int

const (
	// Open accepts entries.
	Open State = iota
	// Calculating waits for the oracle to deliver randomness.
	Calculating
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Calculating:
		return "CALCULATING"
	default:
		return "UNKNOWN"
	}
}

// AddressLen is the length of a participant address in bytes.
const AddressLen = 20

// Address identifies a participant. It is derived from the participant's
// public key.
type Address [AddressLen]byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero is true for the unset address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AddressFromPoint derives the address of a public key: the last 20 bytes of
// the sha256 hash of its binary encoding.
func AddressFromPoint(p kyber.Point) (Address, error) {
	var a Address
	buf, err := p.MarshalBinary()
	if err != nil {
		return a, xerrors.Errorf("couldn't marshal point: %v", err)
	}
	h := sha256.Sum256(buf)
	copy(a[:], h[len(h)-AddressLen:])
	return a, nil
}

// ParseAddress decodes a hex address with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address
	buf, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, xerrors.Errorf("couldn't decode address: %v", err)
	}
	if len(buf) != AddressLen {
		return a, xerrors.Errorf("address has %d bytes, expected %d", len(buf),
			AddressLen)
	}
	copy(a[:], buf)
	return a, nil
}

// Config holds the immutable parameters of a raffle.
type Config struct {
	// EntranceFee is the minimum amount an entry has to pay.
	EntranceFee uint64
	// Interval is the minimum number of seconds between two settlements.
	Interval uint64
	// GasLane selects the oracle key hash.
	GasLane              []byte
	SubscriptionID       uint64
	CallbackGasLimit     uint32
	RequestConfirmations uint32
	NumWords             uint32
}

// Validate checks the configuration. NumWords must be 1.
func (c Config) Validate() error {
	if c.EntranceFee == 0 {
		return xerrors.Errorf("entrance fee must be positive: %w", ErrInvalidConfig)
	}
	if c.NumWords != 1 {
		return xerrors.Errorf("numWords is %d, expected 1: %w", c.NumWords,
			ErrInvalidConfig)
	}
	return nil
}

// IntervalDuration returns the interval as a time.Duration.
func (c Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// Round is the mutable state of the raffle. It is persisted as a whole after
// every committed operation.
type Round struct {
	State   State
	Players []Address
	Pool    uint64
	// LastTimestamp is the unix time of the last settlement or of the
	// construction.
	LastTimestamp int64
	// Pending is set iff State is Calculating and the oracle accepted the
	// request.
	Pending          bool
	PendingRequestID uint64
	RecentWinner     Address
	// Number counts the settled rounds.
	Number uint64
}

func (r *Round) clone() Round {
	c := *r
	c.Players = make([]Address, len(r.Players))
	copy(c.Players, r.Players)
	return c
}

// OracleRequest carries the parameters of a randomness request.
type OracleRequest struct {
	GasLane              []byte
	SubscriptionID       uint64
	RequestConfirmations uint32
	CallbackGasLimit     uint32
	NumWords             uint32
}

// EventKind distinguishes the notifications emitted by the raffle.
type EventKind int

const (
	// EventEntered is emitted for every accepted entry.
	EventEntered EventKind = iota + 1
	// EventRequestIssued is emitted when the oracle accepted a request.
	EventRequestIssued
	// EventWinnerPicked is emitted by a successful settlement.
	EventWinnerPicked
)

func (k EventKind) String() string {
	switch k {
	case EventEntered:
		return "Entered"
	case EventRequestIssued:
		return "RequestIssued"
	case EventWinnerPicked:
		return "WinnerPicked"
	default:
		return "Unknown"
	}
}

// Event is a notification emitted after a committed operation. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Round     uint64
	Player    Address
	Amount    uint64
	RequestID uint64
	// Word is the big-endian random word used to pick the winner.
	Word      []byte
	Timestamp int64
}
