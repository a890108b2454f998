package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateBackupID generates a unique backup ID from the current time
// plus a random suffix
func GenerateBackupID(now time.Time) string {
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("backup_%d_%s", now.Unix(), hex.EncodeToString(suffix))
}
