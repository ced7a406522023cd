package crash

import (
	"math"
	"time"

	"wager/internal/game"
)

// MultiplierAt is the curve m(t) = 1 + t/1.5 + 0.005t^2 for t seconds
// elapsed, floored to hundredths.
func MultiplierAt(elapsed time.Duration) game.Multiplier {
	if elapsed <= 0 {
		return game.MinMultiplier
	}
	t := elapsed.Seconds()
	v := 1 + t/1.5 + 0.005*t*t
	// The epsilon keeps exact hundredths from flooring one step down.
	return game.Multiplier(math.Floor(v*100 + 1e-9))
}

// ElapsedFor returns the first elapsed time, to the microsecond, at which
// the curve reaches m.
func ElapsedFor(m game.Multiplier) time.Duration {
	if m <= game.MinMultiplier {
		return 0
	}
	const a, b = 0.005, 1 / 1.5
	c := 1 - float64(m)/100
	t := (-b + math.Sqrt(b*b-4*a*c)) / (2 * a)

	d := time.Duration(t * float64(time.Second)).Truncate(time.Microsecond)
	for d > 0 && MultiplierAt(d-time.Microsecond) >= m {
		d -= time.Microsecond
	}
	for MultiplierAt(d) < m {
		d += time.Microsecond
	}
	return d
}
