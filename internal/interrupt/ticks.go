package interrupt

import (
	"runtime"

	"github.com/coral-mesh/wallprof/internal/host"
)

// AdvanceTick spins until clock moves past its current reading and returns
// the new value. Samples taken after it returns cannot share a timestamp
// with anything recorded before the call.
func AdvanceTick(clock host.Clock) int64 {
	now := clock.Now()
	for i := 0; ; i++ {
		if next := clock.Now(); next != now {
			return next
		}
		if i%64 == 63 {
			runtime.Gosched()
		}
	}
}
