package core

// DefaultBreakerThreshold is the number of consecutive failed attempts
// after which the search stops evaluating the current round.
const DefaultBreakerThreshold = 15

// Breaker counts consecutive failed link attempts. Only a success resets
// the count; it is not reset between rounds.
type Breaker struct {
	Threshold   int
	consecutive int
}

// NewBreaker creates a Breaker that trips after threshold consecutive
// failures.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{Threshold: threshold}
}

// Record registers the outcome of one attempt.
func (b *Breaker) Record(linked bool) {
	if linked {
		b.consecutive = 0
		return
	}
	b.consecutive++
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int { return b.consecutive }

// Tripped reports whether the consecutive-failure count reached the
// threshold.
func (b *Breaker) Tripped() bool {
	return b.Threshold > 0 && b.consecutive >= b.Threshold
}
