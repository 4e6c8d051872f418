package workitems

import (
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
	retryMaxJitter = 50 * time.Millisecond
)

// WithRetry runs fn, retrying transient backend failures with jittered
// exponential backoff (3 attempts, 100ms base). Non-transient errors —
// validation, not-found, file-exists, duplicate-callid, schema mismatch,
// pool exhaustion — surface immediately. Retried operations must converge:
// reservation is idempotent on failure, and releases and file mutations
// converge to the same terminal value.
func WithRetry(op string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.MaxJitter(retryMaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			retriesTotal.WithLabelValues(op).Inc()
			log.WithFields(log.Fields{
				"op":      op,
				"attempt": n + 1,
				"err":     err,
			}).Warn("transient backend failure, retrying")
		}),
	)
}
