package etc

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// A tick is 100ns, the unit recognition offsets are accounted in.
const TickDuration = 100 * time.Nanosecond

func NewFreshID() string {
	return uuid.NewString()
}

// SecondsToTicks rounds to the nearest tick; negative and NaN inputs map
// to zero.
func SecondsToTicks(seconds float64) uint64 {
	if !(seconds > 0) {
		return 0
	}
	return uint64(math.Round(seconds * float64(time.Second/TickDuration)))
}

func TicksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * TickDuration
}

// FormatDuration renders d as HH:MM:SS.mmm.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return time.Time{}.Add(time.Duration(ms) * time.Millisecond).Format("15:04:05.000")
}
