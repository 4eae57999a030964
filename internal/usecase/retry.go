package usecase

import (
	"context"
	"time"

	"marketchat/pkg/errors"
)

const (
	readAttempts = 3
	readBackoff  = 50 * time.Millisecond
)

// withReadRetry retries fn while it fails with a TRANSIENT error. Only reads
// go through it; writes that may have partially applied are never retried.
func withReadRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if err = fn(); err == nil || !errors.IsTransient(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(readBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}
