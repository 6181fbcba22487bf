package easyrand

import (
	"context"
	"sync"
	"time"

	"github.com/dedis/raffle/easyrand/base"
	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
)

type queued struct {
	numWords int
	attempts int
	f        *base.Fulfillment
}

// Beacon is a single-key randomness beacon for development networks. It
// implements raffle.Oracle: requests are queued and fulfilled by Fulfill or
// Run, never from inside RequestRandomWords.
type Beacon struct {
	sync.Mutex
	priv     kyber.Scalar
	pub      kyber.Point
	blocks   [][]byte
	nextID   uint64
	queue    []*queued
	consumer Consumer
	notify   chan struct{}
}

// NewBeacon returns a beacon with a fresh key.
func NewBeacon() *Beacon {
	priv, pub := bls.NewKeyPair(base.Suite, random.New())
	return &Beacon{
		priv:   priv,
		pub:    pub,
		notify: make(chan struct{}, 1),
	}
}

// Public returns the key fulfillments verify against.
func (b *Beacon) Public() kyber.Point {
	return b.pub
}

// SetConsumer sets where fulfillments are delivered.
func (b *Beacon) SetConsumer(c Consumer) {
	b.Lock()
	b.consumer = c
	b.Unlock()
}

// RequestRandomWords implements raffle.Oracle.
func (b *Beacon) RequestRandomWords(req raffle.OracleRequest) (uint64, error) {
	if err := CheckNumWords(req.NumWords); err != nil {
		return 0, err
	}
	b.Lock()
	b.nextID++
	id := b.nextID
	b.queue = append(b.queue, &queued{
		numWords: int(req.NumWords),
		f:        &base.Fulfillment{RequestID: id},
	})
	b.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	log.Lvl3("beacon: queued request", id)
	return id, nil
}

// Pending returns the number of requests waiting for delivery.
func (b *Beacon) Pending() int {
	b.Lock()
	defer b.Unlock()
	return len(b.queue)
}

// Fulfill signs a block for every queued request and delivers it. A failed
// delivery is retried with the same block on the next call, up to
// deliveryAttempts times. It returns the number of delivered requests.
func (b *Beacon) Fulfill() int {
	b.Lock()
	consumer := b.consumer
	if consumer == nil {
		b.Unlock()
		return 0
	}
	todo := b.queue
	b.queue = nil
	for _, q := range todo {
		if q.f.Sig != nil {
			continue
		}
		msg := base.NextMsg(b.blocks, q.f.RequestID)
		sig, err := bls.Sign(base.Suite, b.priv, msg)
		if err != nil {
			log.Error("beacon: signing failed:", err)
			continue
		}
		q.f.Round = uint64(len(b.blocks))
		q.f.Prev = msg
		q.f.Sig = sig
		b.blocks = append(b.blocks, sig)
	}
	b.Unlock()

	var retry []*queued
	delivered := 0
	for _, q := range todo {
		if q.f.Sig == nil {
			retry = append(retry, q)
			continue
		}
		err := consumer.FulfillRandomWords(q.f, q.numWords)
		if err == nil {
			delivered++
			continue
		}
		q.attempts++
		if q.attempts >= deliveryAttempts {
			log.Errorf("beacon: giving up on request %d: %v", q.f.RequestID, err)
			continue
		}
		log.Lvlf2("beacon: delivery of request %d failed: %v", q.f.RequestID, err)
		retry = append(retry, q)
	}
	if len(retry) > 0 {
		b.Lock()
		b.queue = append(retry, b.queue...)
		b.Unlock()
	}
	return delivered
}

// Run fulfills requests as they arrive and retries failed deliveries every
// period, until ctx is done.
func (b *Beacon) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
		case <-ticker.C:
		}
		b.Fulfill()
	}
}
