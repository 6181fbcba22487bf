package raffle

import (
	"math/big"

	"golang.org/x/xerrors"
)

// SelectWinner maps a random word onto the list of players: the winner is
// players[word mod len(players)]. It has no side effects, so an outcome can be
// re-derived from the recorded word and entries.
func SelectWinner(word *big.Int, players []Address) (Address, int, error) {
	if len(players) == 0 {
		return Address{}, 0, ErrNoPlayers
	}
	if word == nil {
		return Address{}, 0, xerrors.New("nil random word")
	}
	n := big.NewInt(int64(len(players)))
	idx := int(new(big.Int).Mod(word, n).Int64())
	return players[idx], idx, nil
}
