package raffle

import "time"

// UpkeepNeeded reports whether a round can be closed at time now: the round
// is open, the interval has elapsed since the last settlement and at least one
// player paid into the pool.
func UpkeepNeeded(r *Round, cfg Config, now time.Time) bool {
	isOpen := r.State == Open
	elapsed := now.Unix() - r.LastTimestamp
	timePassed := elapsed >= 0 && uint64(elapsed) >= cfg.Interval
	hasBalance := r.Pool > 0
	hasPlayers := len(r.Players) > 0
	return isOpen && timePassed && hasBalance && hasPlayers
}
