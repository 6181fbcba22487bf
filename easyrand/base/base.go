// Package base holds the randomness fulfillment shared by the easyrand
// oracle and its consumers.
package base

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"
)

const (
	UID        string = "easyrand"
	GenesisMsg string = "genesis_msg"
	// MaxNumWords is the largest number of words a request may ask for.
	MaxNumWords = 500
)

// Suite is the pairing suite of the beacon signatures. Public keys live in
// G2.
var Suite pairing.Suite = bn256.NewSuite()

// headerLen is the size of the round and request id prefix of a message.
const headerLen = 16

// NextMsg returns the message signed for requestID in the round following
// blocks.
func NextMsg(blocks [][]byte, requestID uint64) []byte {
	round := len(blocks)
	if round == 0 {
		return RoundMsg(0, requestID, []byte(GenesisMsg))
	}
	return RoundMsg(uint64(round), requestID, blocks[round-1])
}

// RoundMsg returns the message of round: LE(round) || LE(requestID) ||
// prevSig. The first round chains the genesis message. Blocks signed without
// a request use id 0.
func RoundMsg(round, requestID uint64, prevSig []byte) []byte {
	buf := make([]byte, headerLen, headerLen+len(prevSig))
	binary.LittleEndian.PutUint64(buf, round)
	binary.LittleEndian.PutUint64(buf[8:], requestID)
	return append(buf, prevSig...)
}

// Extends reports whether msg is a message of the round following blocks,
// whatever its request id.
func Extends(blocks [][]byte, msg []byte) bool {
	if len(msg) < headerLen ||
		binary.LittleEndian.Uint64(msg) != uint64(len(blocks)) {
		return false
	}
	prev := []byte(GenesisMsg)
	if len(blocks) > 0 {
		prev = blocks[len(blocks)-1]
	}
	return bytes.Equal(msg[headerLen:], prev)
}

// Fulfillment is the answer to a randomness request. Sig is the beacon
// signature on Prev, the message of Round bound to RequestID.
type Fulfillment struct {
	RequestID uint64
	Round     uint64
	Prev      []byte
	Sig       []byte
}

// Verify checks that Prev is the message of Round for RequestID and that Sig
// is a valid signature of it under pub.
func (f *Fulfillment) Verify(pub kyber.Point) error {
	if len(f.Prev) < headerLen ||
		binary.LittleEndian.Uint64(f.Prev) != f.Round {
		return xerrors.Errorf("message does not belong to round %d", f.Round)
	}
	if binary.LittleEndian.Uint64(f.Prev[8:]) != f.RequestID {
		return xerrors.Errorf("message was not signed for request %d",
			f.RequestID)
	}
	if f.Round == 0 && !bytes.Equal(f.Prev[headerLen:], []byte(GenesisMsg)) {
		return xerrors.New("genesis round with a non-genesis message")
	}
	if err := bls.Verify(Suite, pub, f.Prev, f.Sig); err != nil {
		return xerrors.Errorf("invalid beacon signature: %v", err)
	}
	return nil
}

// Words expands the signature into n random words. Word i is
// sha256(Sig || LE(RequestID) || LE(i)) read as a big-endian integer. It
// returns nil if n is not between 1 and MaxNumWords.
func (f *Fulfillment) Words(n int) []*big.Int {
	if n < 1 || n > MaxNumWords {
		return nil
	}
	words := make([]*big.Int, n)
	buf := make([]byte, 8)
	for i := range words {
		h := sha256.New()
		h.Write(f.Sig)
		binary.LittleEndian.PutUint64(buf, f.RequestID)
		h.Write(buf)
		binary.LittleEndian.PutUint64(buf, uint64(i))
		h.Write(buf)
		words[i] = new(big.Int).SetBytes(h.Sum(nil))
	}
	return words
}

// UnmarshalPublic decodes a beacon public key.
func UnmarshalPublic(buf []byte) (kyber.Point, error) {
	p := Suite.G2().Point()
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("decoding public key: %v", err)
	}
	return p, nil
}

// Hash binds the fulfillment to its request, for audit records.
func (f *Fulfillment) Hash() []byte {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, f.RequestID)
	h.Write(buf)
	binary.LittleEndian.PutUint64(buf, f.Round)
	h.Write(buf)
	h.Write(f.Prev)
	h.Write(f.Sig)
	return h.Sum(nil)
}
