package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/cellarkeep/cellar_backend/config"
	"github.com/go-playground/validator/v10"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func DereferencePtr[T any](ptr *T) T {
	var zero T
	if ptr == nil {
		return zero
	}
	return *ptr
}

func UniqueSlice[T comparable](s []T) []T {
	seen := make(map[T]bool, len(s))
	out := make([]T, 0, len(s))
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	// validate.Struct can also return *InvalidValidationError (nil or
	// non-struct input); that carries no field errors.
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

// mergeLockTTL must outlive the merge transaction, or a slow merge would lose
// its lock mid-flight and stop serializing against racing operators.
func mergeLockTTL() time.Duration {
	return config.MergeTransactionTimeout() + 5*time.Second
}

// MergeLock serializes merges touching the same source bottle so a bottle
// cannot be retired twice by racing operators. Release the returned lock when
// the merge transaction finishes.
func MergeLock(ctx context.Context, sourceId int, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis lock not initialized; merges fall back to the transaction's
		// own verification guards.
		return nil, nil
	}
	lockKey := fmt.Sprintf("merge:%d", sourceId)
	lock, err := locker.Obtain(ctx, lockKey, mergeLockTTL(), nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain merge lock", sourceId, err)
		return nil, errors.New("another merge for this bottle is in progress")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining merge lock", sourceId, err)
		return nil, err
	}
	return lock, nil
}
