package history

import (
	"fmt"
	"sync/atomic"

	"k8s.io/utils/clock"
)

// Sequence issues date-prefixed identifiers such as EVT-20260101-000042. The
// counter is monotonic for the life of the process and never resets at
// midnight, so identifiers stay unique.
type Sequence struct {
	prefix  string
	clock   clock.PassiveClock
	counter atomic.Int64
}

// NewSequence creates a generator for prefix using clk for the date part.
func NewSequence(prefix string, clk clock.PassiveClock) *Sequence {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sequence{prefix: prefix, clock: clk}
}

// Next returns the next identifier.
func (s *Sequence) Next() string {
	n := s.counter.Add(1)
	return fmt.Sprintf("%s-%s-%06d", s.prefix, s.clock.Now().UTC().Format("20060102"), n)
}
