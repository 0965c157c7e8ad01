// Package ratelimit provides the per-client token bucket guarding the
// generate and retrieve endpoints.
package ratelimit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Limiter is an in-memory token bucket limiter for a single-instance
// deployment. Keys (client IPs) are MAC-hashed with a per-process random
// key before use, so raw addresses never sit in the bucket map.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	refillPerSec float64
	burst        float64

	macKey [32]byte
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New returns a limiter refilling at refillPerSec tokens per second up to
// burst capacity per key.
func New(refillPerSec float64, burst int) *Limiter {
	l := &Limiter{
		buckets:      make(map[string]*bucket),
		refillPerSec: refillPerSec,
		burst:        float64(burst),
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	// Without entropy the MAC key would be guessable; refuse to start.
	if _, err := rand.Read(l.macKey[:]); err != nil {
		panic("ratelimit: crypto/rand failed: " + err.Error())
	}
	return l
}

// Allow reports whether one request for key may proceed right now. An empty
// key is never limited.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	mac := hmac.New(sha256.New, l.macKey[:])
	mac.Write([]byte(key))
	hashed := hex.EncodeToString(mac.Sum(nil))

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[hashed]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[hashed] = b
	}

	// Refill for elapsed time; a clock that goes backwards refills nothing.
	if dt := now.Sub(b.seen).Seconds(); dt > 0 {
		b.tokens = min(l.burst, b.tokens+dt*l.refillPerSec)
		b.seen = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// StartGC launches a goroutine that drops buckets idle for longer than
// maxIdle, checking every interval. Stop terminates it.
func (l *Limiter) StartGC(interval, maxIdle time.Duration) {
	go l.gcLoop(interval, maxIdle)
}

// Stop shuts down the GC goroutine. Idempotent, and safe without StartGC.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) gcLoop(interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(maxIdle)
		}
	}
}

func (l *Limiter) sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > maxIdle {
			delete(l.buckets, k)
		}
	}
}

// Len reports the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
