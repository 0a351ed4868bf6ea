package runmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// idAttempts bounds how often GenerateRunID re-rolls on a collision before
// giving up. Collisions need the same second and the same 3 random bytes,
// so hitting the bound means something is wrong with the clock or entropy.
const idAttempts = 4

// randomSuffix returns 6 crypto-random hex chars, falling back to
// clock-derived bits when the entropy source fails.
func randomSuffix() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b)
}

// GenerateRunID returns a run id of the form 20260102T030405-a1b2c3: a UTC
// second timestamp plus a random suffix, checked against runsDir so two
// managers starting in the same second cannot share a registry directory.
func GenerateRunID(runsDir string) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id := time.Now().UTC().Format("20060102T150405") + "-" + randomSuffix()
		if _, err := os.Stat(filepath.Join(runsDir, id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: gave up after %d attempts", ErrIDCollision, idAttempts)
}
