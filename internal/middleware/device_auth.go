package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"log"
	"net/http"

	"golang.org/x/crypto/argon2"
)

// Device credential headers. The secret is presented out-of-band from
// the payload body and is shared by the kiosk fleet (one token per
// fleet, not per device).
const (
	HeaderDeviceID   = "X-Device-ID"
	HeaderSyncSecret = "X-Sync-Secret"
)

type deviceAuth struct {
	salt   []byte
	digest []byte
}

var fleetAuth *deviceAuth

// InitDeviceAuth derives an argon2id digest of the fleet secret once at
// startup so per-request verification never holds the plaintext
// comparison open to timing differences.
func InitDeviceAuth(fleetSecret string) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		log.Fatalf("Failed to initialize device auth: %v", err)
	}
	fleetAuth = &deviceAuth{
		salt:   salt,
		digest: deriveDigest(fleetSecret, salt),
	}
}

func deriveDigest(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
}

// DeviceAuth gates the sync endpoints. A missing or wrong secret fails
// the whole request with 401 before any transaction is processed; a
// missing device id is a 400. The device id is added to the request
// context for the handlers.
func DeviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(HeaderDeviceID)
		if deviceID == "" {
			http.Error(w, "Device ID required", http.StatusBadRequest)
			return
		}

		secret := r.Header.Get(HeaderSyncSecret)
		if secret == "" || fleetAuth == nil {
			http.Error(w, "Device credential required", http.StatusUnauthorized)
			return
		}

		presented := deriveDigest(secret, fleetAuth.salt)
		if subtle.ConstantTimeCompare(presented, fleetAuth.digest) != 1 {
			log.Printf("[AUTH] Rejected sync from device %s: bad credential", deviceID)
			http.Error(w, "Invalid device credential", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "deviceID", deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
