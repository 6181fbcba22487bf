package store

import (
	"math/big"

	"github.com/dedis/raffle/raffle"
	"golang.org/x/xerrors"
)

// Settlement is a winner re-derived from the journal.
type Settlement struct {
	Round     uint64
	RequestID uint64
	Winner    raffle.Address
	Index     int
	Players   int
	Prize     uint64
}

// Audit replays a journal and re-derives the winner of every settled round
// from its entries and the recorded random word. It fails on the first
// settlement that does not match.
func Audit(evs []raffle.Event) ([]Settlement, error) {
	var players []raffle.Address
	var pool uint64
	var requested, hasRequest = uint64(0), false
	var res []Settlement
	for i, ev := range evs {
		switch ev.Kind {
		case raffle.EventEntered:
			players = append(players, ev.Player)
			pool += ev.Amount
		case raffle.EventRequestIssued:
			requested, hasRequest = ev.RequestID, true
		case raffle.EventWinnerPicked:
			if !hasRequest || ev.RequestID != requested {
				return res, xerrors.Errorf("event %d: settlement for request "+
					"%d was never issued", i, ev.RequestID)
			}
			word := new(big.Int).SetBytes(ev.Word)
			winner, idx, err := raffle.SelectWinner(word, players)
			if err != nil {
				return res, xerrors.Errorf("event %d: %v", i, err)
			}
			if winner != ev.Player {
				return res, xerrors.Errorf("event %d: recorded winner %v, "+
					"derived %v", i, ev.Player, winner)
			}
			if pool != ev.Amount {
				return res, xerrors.Errorf("event %d: recorded prize %d, "+
					"entries sum to %d", i, ev.Amount, pool)
			}
			res = append(res, Settlement{
				Round:     ev.Round,
				RequestID: ev.RequestID,
				Winner:    winner,
				Index:     idx,
				Players:   len(players),
				Prize:     pool,
			})
			players = nil
			pool = 0
			hasRequest = false
		default:
			return res, xerrors.Errorf("event %d: unknown kind %d", i, ev.Kind)
		}
	}
	return res, nil
}
