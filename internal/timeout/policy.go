package timeout

import (
	"math"
	"time"

	"github.com/drand/ceremony/internal/ceremony"
)

// Window is how long a contributor may hold the lock of c. Fixed policies use
// their duration. Dynamic policies take the average full contribution time
// of the circuit plus Threshold percent, never less than the duration;
// before any contribution is measured the duration is scaled by the size of
// the zkey in whole gigabytes.
func Window(p ceremony.TimeoutPolicy, c *ceremony.Circuit) time.Duration {
	if p.Mechanism == ceremony.Fixed || c == nil {
		return p.Duration
	}
	if c.AvgTimings.Samples == 0 {
		gb := math.Ceil(ceremony.ConvertToGB(ceremony.EstimateZkeySize(c.Metadata)))
		if gb < 1 {
			gb = 1
		}
		return time.Duration(gb) * p.Duration
	}
	avg := c.AvgTimings.FullContribution
	w := avg + avg*time.Duration(p.Threshold)/100
	if w < p.Duration {
		return p.Duration
	}
	return w
}
