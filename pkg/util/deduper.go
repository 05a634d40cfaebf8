package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper hands out short-lived claims so that only one process works on a
// given (handler, mail) pair at a time.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	owner  string
	logger *zap.Logger
}

// NewDeduper creates a deduper. owner identifies this process in the claim
// value so that Release never drops someone else's claim.
func NewDeduper(rdb *redis.Client, ttl time.Duration, owner string, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{rdb: rdb, ttl: ttl, owner: owner, logger: logger}
}

// FormatClaimKey formats a claim key for a handler and mail id
func FormatClaimKey(handler string, mailID int) string {
	return fmt.Sprintf("dedup:%s:%d", handler, mailID)
}

// AcquireOnce tries to claim handler + mailID.
// returns true if this process may proceed
// returns false if another process holds the claim
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, mailID int) bool {
	key := FormatClaimKey(handler, mailID)

	ok, err := d.rdb.SetNX(ctx, key, d.owner, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，文件锁上的条件写入仍然保证唯一
		d.logger.Warn("Redis claim failed, allowing processing",
			zap.String("handler", handler),
			zap.Int("mail_id", mailID),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped mail claimed by another process",
			zap.String("handler", handler),
			zap.Int("mail_id", mailID),
			zap.String("claim_key", key),
		)
	}
	return ok
}

// 比较并删除：只删除仍属于自己的认领
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops the claim if this process still owns it. The owner check and
// the delete run as one script, so a claim that expired and was taken by
// another process in between is left alone.
func (d *Deduper) Release(ctx context.Context, handler string, mailID int) {
	key := FormatClaimKey(handler, mailID)
	n, err := releaseScript.Run(ctx, d.rdb, []string{key}, d.owner).Int()
	if err != nil {
		d.logger.Warn("Redis claim release failed", zap.String("claim_key", key), zap.Error(err))
		return
	}
	if n == 0 {
		d.logger.Debug("Claim no longer owned, left in place", zap.String("claim_key", key))
	}
}
