package domain

import (
	"crypto/rand"
	"fmt"
	"time"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates a human-debuggable queue item id:
// {prefix}_{YYYYMMDD}_{HHMMSS}_{random6}, e.g. pnd_20251215_143022_a1b2c3.
func NewID(prefix string, now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means a broken environment; fall back to
		// a time-derived suffix rather than panicking in a queue op.
		return fmt.Sprintf("%s_%s_%06d", prefix, now.Format("20060102_150405"), now.Nanosecond()%1000000)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return fmt.Sprintf("%s_%s_%s", prefix, now.Format("20060102_150405"), string(buf))
}
