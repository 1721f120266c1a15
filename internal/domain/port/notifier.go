package port

import "context"

type FailureNotifier interface {
	NotifyFailure(ctx context.Context, userEmail string, referenceID string, subject string, errorMsg string) error
}
