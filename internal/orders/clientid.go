// Package orders implements idempotent order submission with deterministic
// client order IDs.
package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ClientOrderID derives the deterministic order identity from the signal
// tuple. Same inputs always produce the same ID, so a replayed signal maps
// onto the same order at both the store and the broker.
//
// The side is trimmed and lowercased before hashing: mixed casing once
// produced two distinct IDs for one logical order.
func ClientOrderID(strategy, symbol, timeframe string, signalTS time.Time, side string) string {
	normalizedSide := strings.ToLower(strings.TrimSpace(side))
	payload := fmt.Sprintf("%s:%s:%s:%s:%s",
		strategy, symbol, timeframe, signalTS.UTC().Format(time.RFC3339), normalizedSide)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
