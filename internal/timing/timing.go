// Package timing provides context-aware waits and concurrency-safe randomized durations.
package timing

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SleepFunc waits for a duration or until the context ends.
type SleepFunc func(ctx context.Context, duration time.Duration) error

// Wait blocks for duration or until ctx is done, returning ctx.Err() in the latter case.
func Wait(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless the context is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Random wraps a math/rand generator behind a mutex so loops and the queue worker can share it.
type Random struct {
	mutex     sync.Mutex
	generator *rand.Rand
}

// NewRandom seeds a generator. A zero seed uses the current time.
func NewRandom(seed int64) *Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{generator: rand.New(rand.NewSource(seed))}
}

// Float64 returns a value in [0, 1).
func (random *Random) Float64() float64 {
	random.mutex.Lock()
	defer random.mutex.Unlock()
	return random.generator.Float64()
}

// Intn returns a value in [0, n). It returns 0 for n <= 0.
func (random *Random) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	random.mutex.Lock()
	defer random.mutex.Unlock()
	return random.generator.Intn(n)
}

// Uniform returns a duration drawn uniformly from [minimum, maximum].
func (random *Random) Uniform(minimum, maximum time.Duration) time.Duration {
	if maximum <= minimum {
		return minimum
	}
	return minimum + time.Duration(random.Float64()*float64(maximum-minimum))
}

// Chance reports true with the given probability.
func (random *Random) Chance(probability float64) bool {
	if probability <= 0 {
		return false
	}
	return random.Float64() < probability
}

// ExponentialBackoff returns base * 2^attempt scaled by a factor drawn from [lowFactor, highFactor].
func (random *Random) ExponentialBackoff(base time.Duration, attempt int, lowFactor, highFactor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := lowFactor + random.Float64()*(highFactor-lowFactor)
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)) * factor)
}

// Generator exposes a fresh math/rand generator seeded from this source, for APIs that take *rand.Rand.
func (random *Random) Generator() *rand.Rand {
	random.mutex.Lock()
	defer random.mutex.Unlock()
	return rand.New(rand.NewSource(random.generator.Int63()))
}
