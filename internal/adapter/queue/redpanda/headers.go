package redpanda

import (
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record headers carried across DLQ round-trips. x-death counts how many
// times a message has been dead-lettered, mirroring the classic broker
// convention so the DLQ consumer can enforce the retry budget.
const (
	headerDeath       = "x-death"
	headerDeathReason = "x-death-reason"
	headerReadyAt     = "x-ready-at"
)

func headerValue(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// deathCount reads the x-death header; 0 when absent or malformed.
func deathCount(rec *kgo.Record) int {
	n, err := strconv.Atoi(headerValue(rec, headerDeath))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// readyAt reads the wait-queue release time; zero time when absent.
func readyAt(rec *kgo.Record) time.Time {
	ms, err := strconv.ParseInt(headerValue(rec, headerReadyAt), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
