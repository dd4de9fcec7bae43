package cache

import (
	"context"
	"errors"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

// ErrInProgress is returned by Lookup while the request that claimed a key
// has not recorded its result yet.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// ConfirmationCache remembers which canonical id each local echo became.
type ConfirmationCache interface {
	Canonical(ctx context.Context, local model.FullMsgID) (model.FullMsgID, bool, error)
}

// IdempotencyStore deduplicates API submissions by caller-chosen key.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, ids []model.FullMsgID) error
	Lookup(ctx context.Context, key string) ([]model.FullMsgID, bool, error)
	Release(ctx context.Context, key string) error
}
