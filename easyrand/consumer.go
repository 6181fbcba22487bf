package easyrand

import (
	"sync"

	"github.com/dedis/raffle/easyrand/base"
	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Consumer receives fulfillments.
type Consumer interface {
	FulfillRandomWords(f *base.Fulfillment, numWords int) error
}

// ErrStaleBlock is returned for a fulfillment whose block is not newer than
// the last one accepted.
var ErrStaleBlock = xerrors.New("stale beacon block")

// RaffleConsumer settles a raffle with fulfillments signed by Public. The
// signed message binds the block to its request, and blocks must come in
// increasing rounds.
type RaffleConsumer struct {
	Raffle *raffle.Raffle
	Public kyber.Point

	mu       sync.Mutex
	accepted bool
	last     uint64
}

// FulfillRandomWords implements Consumer. Fulfillments that do not verify
// never reach the raffle. Only the number of words the raffle asks for is
// derived, whatever numWords says.
func (c *RaffleConsumer) FulfillRandomWords(f *base.Fulfillment, numWords int) error {
	if numWords < 1 || numWords > base.MaxNumWords {
		return xerrors.Errorf("%d words delivered: %w", numWords, ErrInvalidRequest)
	}
	if err := f.Verify(c.Public); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accepted && f.Round <= c.last {
		return xerrors.Errorf("round %d, last accepted %d: %w", f.Round, c.last,
			ErrStaleBlock)
	}
	words := f.Words(int(c.Raffle.Config().NumWords))
	if err := c.Raffle.OnFulfillment(f.RequestID, words); err != nil {
		return err
	}
	c.accepted = true
	c.last = f.Round
	return nil
}
