package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IdempotencyKey is a stable dedup key derived from message identity, a
// received-time bucket, and a content hash. Two submissions of the same
// message always derive the same key; collisions across distinct real
// messages are accepted risk.
type IdempotencyKey string

// ReceivedAtBucket is the granularity of the timestamp component. A resent
// copy of a message lands in the same bucket as long as the provider
// reports the same receive time; the bucket absorbs sub-second skew.
const ReceivedAtBucket = time.Hour

// DeriveKey computes the idempotency key for a message. Pure and
// deterministic; no side effects.
func DeriveKey(msg RawMessage) IdempotencyKey {
	bodyHash := sha256.Sum256([]byte(msg.Body))
	bucket := msg.ReceivedAt.UTC().Truncate(ReceivedAtBucket).Unix()

	seed := fmt.Sprintf("%s:%d:%s", msg.ID, bucket, hex.EncodeToString(bodyHash[:]))
	sum := sha256.Sum256([]byte(seed))
	return IdempotencyKey(hex.EncodeToString(sum[:]))
}
