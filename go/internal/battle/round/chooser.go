package round

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrNoStats is returned when there is nothing to choose from.
var ErrNoStats = errors.New("no stats to choose from")

// Chooser picks a stat on the player's behalf.
type Chooser interface {
	Choose(stats []string) (string, error)
}

// RandomChooser picks uniformly at random.
type RandomChooser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomChooser seeds its own source. A zero seed uses the current time.
func NewRandomChooser(seed int64) *RandomChooser {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomChooser{rng: rand.New(rand.NewSource(seed))}
}

// Choose implements Chooser.
func (c *RandomChooser) Choose(stats []string) (string, error) {
	if len(stats) == 0 {
		return "", ErrNoStats
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return stats[c.rng.Intn(len(stats))], nil
}
