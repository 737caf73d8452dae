package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	minStatValue = 1
	maxStatValue = 10
)

// Dealer deals a fresh pair of cards every round. Values for a round are
// fixed once drawn, so a replayed lookup returns the same numbers.
type Dealer struct {
	stats []string

	mu    sync.Mutex
	rng   *rand.Rand
	dealt map[int]map[string][2]int
}

// NewDealer creates a dealer over stats. A zero seed uses the current time.
func NewDealer(stats []string, seed int64) *Dealer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Dealer{
		stats: append([]string(nil), stats...),
		rng:   rand.New(rand.NewSource(seed)),
		dealt: make(map[int]map[string][2]int),
	}
}

// Stats returns the stats on offer. Every round offers the same set.
func (d *Dealer) Stats(int) []string {
	return append([]string(nil), d.stats...)
}

// Values returns the player's and opponent's value for stat in round.
func (d *Dealer) Values(round int, stat string) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hand, ok := d.dealt[round]
	if !ok {
		hand = make(map[string][2]int, len(d.stats))
		for _, s := range d.stats {
			hand[s] = [2]int{d.draw(), d.draw()}
		}
		d.dealt[round] = hand
		// Only the current and previous rounds can still be looked up.
		delete(d.dealt, round-2)
	}
	v, ok := hand[stat]
	if !ok {
		return 0, 0, fmt.Errorf("unknown stat %q", stat)
	}
	return v[0], v[1], nil
}

// Reset forgets every dealt hand.
func (d *Dealer) Reset() {
	d.mu.Lock()
	d.dealt = make(map[int]map[string][2]int)
	d.mu.Unlock()
}

func (d *Dealer) draw() int {
	return minStatValue + d.rng.Intn(maxStatValue-minStatValue+1)
}
