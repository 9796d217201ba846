package ledger

import (
	"fmt"

	"github.com/go-redis/redis"
)

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// Open returns the ledger backend named by backend. rdb is only used by the
// redis backend and dataDir only by the embedded ones.
func Open(backend, dataDir string, rdb redis.UniversalClient) (Ledger, error) {
	switch backend {
	case BackendRedis, "":
		if rdb == nil {
			return nil, fmt.Errorf("redis ledger requires a redis client")
		}
		return NewRedisLedger(rdb), nil
	case BackendPebble:
		return OpenPebbleLedger(dataDir)
	case BackendBadger:
		return OpenBadgerLedger(dataDir)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
