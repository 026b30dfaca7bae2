// Package assets persists binary and text artifacts with quota accounting
// layered over the blob store.
package assets

import (
	"context"
	"errors"
	"fmt"
)

// Quota errors. ErrQuotaExceeded is a denial, not a failure: callers skip the
// affected asset and continue. ErrApprovalInvalid indicates a programming
// error - a write attempted without a matching approval.
var (
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrApprovalInvalid = errors.New("asset write without a matching quota approval")
)

// Approval is the opaque token proving a byte-size write was checked against
// the user's storage limit. It must accompany the actual write so storage and
// accounting cannot drift apart.
type Approval struct {
	userID    string
	sizeBytes int64
}

// NewApproval mints an approval token. Only QuotaLedger implementations
// should call this.
func NewApproval(userID string, sizeBytes int64) Approval {
	return Approval{userID: userID, sizeBytes: sizeBytes}
}

// SizeBytes returns the approved write size.
func (a Approval) SizeBytes() int64 { return a.sizeBytes }

func (a Approval) covers(userID string, sizeBytes int64) bool {
	return a.userID == userID && a.sizeBytes == sizeBytes && a.userID != ""
}

// QuotaLedger is the external accounting collaborator: consulted before every
// write, never mutated directly by this package.
type QuotaLedger interface {
	// Approve checks whether the user may store sizeBytes more bytes and
	// returns the approval token on success, ErrQuotaExceeded on denial.
	Approve(ctx context.Context, userID string, sizeBytes int64) (Approval, error)
}

// UsageReporter reports a user's current storage consumption (typically the
// sum of the user's asset rows).
type UsageReporter interface {
	UserStorageUsage(ctx context.Context, userID string) (int64, error)
}

// LimitLedger approves writes against a fixed per-user byte limit. A
// non-positive limit disables quota enforcement.
type LimitLedger struct {
	limitBytes int64
	usage      UsageReporter
}

// NewLimitLedger constructs a LimitLedger.
func NewLimitLedger(limitBytes int64, usage UsageReporter) *LimitLedger {
	return &LimitLedger{limitBytes: limitBytes, usage: usage}
}

// Approve implements QuotaLedger.
func (l *LimitLedger) Approve(ctx context.Context, userID string, sizeBytes int64) (Approval, error) {
	if sizeBytes < 0 {
		return Approval{}, fmt.Errorf("negative write size %d", sizeBytes)
	}
	if l.limitBytes <= 0 {
		return NewApproval(userID, sizeBytes), nil
	}
	used, err := l.usage.UserStorageUsage(ctx, userID)
	if err != nil {
		return Approval{}, fmt.Errorf("look up storage usage: %w", err)
	}
	if used+sizeBytes > l.limitBytes {
		return Approval{}, fmt.Errorf("%w: used %d + requested %d > limit %d",
			ErrQuotaExceeded, used, sizeBytes, l.limitBytes)
	}
	return NewApproval(userID, sizeBytes), nil
}
