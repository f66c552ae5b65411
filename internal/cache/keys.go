package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func FingerprintLockKey(projectID uuid.UUID, fingerprint string) string {
	return fmt.Sprintf("lock:fingerprint:%s:%s", projectID, fingerprint)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func ProjectMembersLockKey(projectID uuid.UUID) string {
	return fmt.Sprintf("lock:members:%s", projectID)
}
