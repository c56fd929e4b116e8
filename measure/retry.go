package measure

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"

	"github.com/devcapsys/capsys-easy-flow/types"
)

type failedAttempt struct {
	res Result
}

func (f *failedAttempt) Error() string {
	return fmt.Sprintf("attempt failed: %v", f.res.Diagnostics)
}

// Retry runs attempt up to attempts times with a fixed backoff between
// tries, stopping at the first successful result. The last result is
// returned when every attempt fails or ctx is done.
func Retry(ctx context.Context, logf types.LogSink, label string, attempts int, backoff time.Duration, attempt func(n int) Result) Result {
	if logf == nil {
		logf = types.Discard
	}
	if attempts < 1 {
		attempts = 1
	}
	if err := ctx.Err(); err != nil {
		return failure(err, err.Error())
	}
	var (
		last Result
		n    int
	)
	err := retry.Do0(ctx, attempts, retry.Fixed(backoff), func() error {
		n++
		logf(fmt.Sprintf("Running %s (attempt %d/%d)", label, n, attempts), types.SeverityWarning)
		last = attempt(n)
		if last.OK() {
			return nil
		}
		if n < attempts {
			logf(fmt.Sprintf("Retrying %s (attempt %d/%d)", label, n+1, attempts), types.SeverityWarning)
		}
		return &failedAttempt{res: last}
	})
	if err != nil && n == 0 {
		return failure(err, err.Error())
	}
	return last
}
