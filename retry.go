package orderflow

import (
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// RetryBuilder builds a RetryPolicy fluently:
//
//	policy := orderflow.Retry().
//		MaxAttempts(5).
//		InitialInterval(time.Second).
//		MaxInterval(30 * time.Second).
//		Build()
type RetryBuilder struct {
	policy api.RetryPolicy
}

// Retry starts a builder seeded with moderate defaults: 3 attempts,
// 1s initial interval, doubling up to 30s.
func Retry() *RetryBuilder {
	return &RetryBuilder{
		policy: api.RetryPolicy{
			InitialInterval:   time.Second,
			BackoffMultiplier: 2.0,
			MaxInterval:       30 * time.Second,
			MaxAttempts:       3,
		},
	}
}

// MaxAttempts sets the total number of attempts, first try included.
func (b *RetryBuilder) MaxAttempts(n int) *RetryBuilder {
	b.policy.MaxAttempts = n
	return b
}

// InitialInterval sets the delay before the first retry.
func (b *RetryBuilder) InitialInterval(d time.Duration) *RetryBuilder {
	b.policy.InitialInterval = d
	return b
}

// BackoffMultiplier sets the growth factor between retry delays.
func (b *RetryBuilder) BackoffMultiplier(m float64) *RetryBuilder {
	b.policy.BackoffMultiplier = m
	return b
}

// MaxInterval caps the delay between retries.
func (b *RetryBuilder) MaxInterval(d time.Duration) *RetryBuilder {
	b.policy.MaxInterval = d
	return b
}

// Build returns the policy.
func (b *RetryBuilder) Build() api.RetryPolicy {
	return b.policy
}
