package raffle

import "golang.org/x/xerrors"

var (
	// ErrInsufficientFee is returned when an entry pays less than the
	// entrance fee.
	ErrInsufficientFee = xerrors.New("insufficient entrance fee")
	// ErrRoundNotOpen is returned for entries while a winner is calculated.
	ErrRoundNotOpen = xerrors.New("round is not open")
	// ErrUpkeepNotNeeded is returned when randomness is requested before
	// the round can be closed.
	ErrUpkeepNotNeeded = xerrors.New("upkeep not needed")
	// ErrUnknownRequest is returned for a fulfillment of a request that is
	// not the pending one.
	ErrUnknownRequest = xerrors.New("unknown randomness request")
	// ErrNoPlayers is returned when selecting a winner among nobody.
	ErrNoPlayers = xerrors.New("no players")
	// ErrTransferFailed is returned when the prize could not be paid.
	ErrTransferFailed = xerrors.New("prize transfer failed")
	// ErrIndexOutOfRange is returned by PlayerAt.
	ErrIndexOutOfRange = xerrors.New("player index out of range")
	// ErrPoolOverflow is returned when an entry would wrap the pool.
	ErrPoolOverflow = xerrors.New("pool overflow")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = xerrors.New("invalid configuration")
	// ErrNoRandomWords is returned for an empty fulfillment.
	ErrNoRandomWords = xerrors.New("fulfillment carries no random words")
)
