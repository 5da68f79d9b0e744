package peer

import "time"

// tokenBucket is one refillable budget.
type tokenBucket struct {
	rate   int64 // tokens per second, 0 disables the budget
	max    int64
	tokens int64
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

func (b *tokenBucket) fits(n int64) bool {
	return b.rate <= 0 || b.tokens >= n
}

func (b *tokenBucket) spend(n int64) {
	if b.rate > 0 {
		b.tokens -= n
	}
}

// audioLimiter bounds inbound audio by frames per second and bytes per
// second, each with a burst allowance. A nil limiter admits everything, so
// callers never branch on configuration.
type audioLimiter struct {
	now        func() time.Time
	frames     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
}

func newAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *audioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &audioLimiter{now: now, lastRefill: now()}
	if fps > 0 {
		l.frames = tokenBucket{rate: int64(fps), max: int64(fps) * int64(burstSeconds)}
		l.frames.tokens = l.frames.max
	}
	if bps > 0 {
		l.bytes = tokenBucket{rate: bps, max: bps * int64(burstSeconds)}
		l.bytes.tokens = l.bytes.max
	}
	return l
}

// Allow reports whether a frame of the given size passes both budgets, and
// spends them when it does. A frame never spends only one budget.
func (l *audioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}

	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	if frameBytes < 0 {
		frameBytes = 0
	}
	if !l.frames.fits(1) || !l.bytes.fits(int64(frameBytes)) {
		return false
	}
	l.frames.spend(1)
	l.bytes.spend(int64(frameBytes))
	return true
}
