package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"neurochat/internal/logger"
	"neurochat/pkg/chattypes"
)

// Defaults for the web client backoff.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxJitter = time.Second
)

// AttemptFunc performs one transport call against account.
type AttemptFunc func(ctx context.Context, account int) error

// Policy drives retries for the web client. It is safe for concurrent use as
// long as Rand is.
type Policy struct {
	Pool      *AccountPool
	BaseDelay time.Duration
	MaxJitter time.Duration

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64

	// OnRotate is called after the cursor moves from one account to another.
	// The dispatcher uses it to drop the continuation minted by the old account.
	OnRotate func(from, to int)

	// OnRetry is called before every backoff wait.
	OnRetry func(attempt int, class Class, err error)
}

// NewPolicy returns a policy with the default delays over pool.
func NewPolicy(pool *AccountPool) *Policy {
	return &Policy{
		Pool:      pool,
		BaseDelay: DefaultBaseDelay,
		MaxJitter: DefaultMaxJitter,
	}
}

// Budget is the total number of attempts for a given account count.
func (p *Policy) Budget(accountCount int) int {
	if accountCount > 1 {
		return 3
	}
	return 2
}

// Delay is the wait before retry number n (0-based): 2^n*BaseDelay plus a
// uniform jitter in [0, MaxJitter).
func (p *Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay << n
	if p.MaxJitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += time.Duration(r() * float64(p.MaxJitter))
	}
	return d
}

// Run calls attempt until it succeeds, fails with a non-retryable error or
// the budget is spent. The last error is returned unchanged. A cancelled
// context is terminal and reported as a cancellation error.
func (p *Policy) Run(ctx context.Context, accounts []int, attempt AttemptFunc) error {
	accounts = normalizeAccounts(accounts)
	pool := p.Pool
	if pool == nil {
		pool = NewAccountPool()
	}
	budget := p.Budget(len(accounts))

	n := 0
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		return p.Delay(n - 1), false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		n++
		account := pool.Current(accounts)
		logger.ProviderAttempt("web", n, "account", account, "budget", budget)

		err := attempt(ctx, account)
		if err == nil {
			return nil
		}

		class := Classify(err)
		if !class.Retryable() || n >= budget {
			return err
		}

		if len(accounts) > 1 {
			if next := pool.Advance(accounts, account); next != account {
				logger.Debug("Rotating web account", "from", account, "to", next, "class", class.String())
				if p.OnRotate != nil {
					p.OnRotate(account, next)
				}
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(n, class, err)
		}
		return goretry.RetryableError(err)
	})

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if errors.Is(ctxErr, context.Canceled) {
			return chattypes.NewCancelledError(ctxErr)
		}
		return &chattypes.ChatError{Kind: chattypes.ErrNetworkGlitch, Message: "request timed out", Err: ctxErr}
	}
	return err
}
