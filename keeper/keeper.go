// Package keeper implements the automation actor that closes raffle rounds:
// it polls the upkeep condition and performs the upkeep when it holds.
package keeper

import (
	"context"
	"time"

	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Upkeeper is what a keeper drives. *raffle.Raffle implements it.
type Upkeeper interface {
	CheckUpkeep() (bool, []byte)
	PerformUpkeep(performData []byte) error
}

// Keeper polls an Upkeeper every Period.
type Keeper struct {
	Target Upkeeper
	Period time.Duration
}

// New returns a keeper polling target every period.
func New(target Upkeeper, period time.Duration) *Keeper {
	return &Keeper{Target: target, Period: period}
}

// Tick checks the upkeep once and performs it if needed. It reports whether
// an upkeep was performed. Losing a race against another caller is not an
// error, the condition is evaluated again on the next tick.
func (k *Keeper) Tick() (bool, error) {
	needed, data := k.Target.CheckUpkeep()
	if !needed {
		return false, nil
	}
	err := k.Target.PerformUpkeep(data)
	if xerrors.Is(err, raffle.ErrUpkeepNotNeeded) {
		log.Lvl3("keeper: upkeep no longer needed")
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("performing upkeep: %v", err)
	}
	log.Lvl2("keeper: upkeep performed")
	return true, nil
}

// Run ticks until ctx is done. Errors are logged and the keeper keeps going.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.Tick(); err != nil {
				log.Error(err)
			}
		}
	}
}
