package accumulator

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator mints canonical message identifiers. Identifiers must be
// unique and sort in emission order; the event timestamp is offered so
// time-ordered schemes can anchor on stream time rather than wall time.
type IDGenerator interface {
	NewID(ts time.Time) string
}

// ULIDGenerator is the production generator: monotonic ULIDs anchored on the
// event timestamp, so identifiers sort with the stream even when a replay
// runs long after the original events.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULIDGenerator creates a generator with crypto-random entropy.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID implements IDGenerator.
func (g *ULIDGenerator) NewID(ts time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), g.entropy).String()
}

// CounterGenerator produces deterministic sequential identifiers. Two fresh
// generators fed the same event sequence mint byte-identical IDs, which is
// what transcript fixtures assert on.
type CounterGenerator struct {
	prefix string
	mu     sync.Mutex
	n      int
}

// NewCounterGenerator creates a deterministic generator. An empty prefix
// defaults to "msg".
func NewCounterGenerator(prefix string) *CounterGenerator {
	if prefix == "" {
		prefix = "msg"
	}
	return &CounterGenerator{prefix: prefix}
}

// NewID implements IDGenerator.
func (g *CounterGenerator) NewID(time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
