package client

import (
	"math"
	"math/rand"
)

// NewID picks a positive identifier for a client process. The generator
// behind it is seeded once per process, so back-to-back clients never share
// an identifier by accident of the clock.
func NewID() int64 {
	return rand.Int63n(math.MaxInt64) + 1
}
