// Package ids generates the broker's two identifier shapes: a
// monotonic-prefix random id used for data_ids and user_ids, and RFC3339
// millisecond-precision timestamp strings used throughout the routing
// envelopes.
package ids

import (
	"crypto/rand"
	"strings"
	"time"
)

// randLen is the length of the random suffix appended to the time prefix.
const randLen = 8

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewDataID returns a fresh id for a routed message: a base36 time prefix
// (so ids sort approximately by creation order) followed by randLen random
// alphanumeric characters (so ids generated in the same millisecond are
// unlikely to collide).
func NewDataID() string {
	return newID(time.Now())
}

// NewUserID returns a fresh id using the same scheme, for entities created
// outside the routing hot path (users, units, applications, ...).
func NewUserID() string {
	return newID(time.Now())
}

func newID(now time.Time) string {
	var b strings.Builder
	b.WriteString(timePrefix(now))
	b.WriteString(randomSuffix(randLen))
	return b.String()
}

func timePrefix(t time.Time) string {
	return toBase36(uint64(t.UnixNano() / int64(time.Millisecond)))
}

func toBase36(n uint64) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%36]
		n /= 36
	}
	return string(buf[i:])
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	out := make([]byte, n)
	for i, c := range buf {
		out[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(out)
}

// TimeString formats t as RFC3339 with millisecond precision, the format
// every envelope timestamp field uses.
func TimeString(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Now is TimeString(time.Now()); factored out so call sites read naturally
// at envelope-construction points.
func Now() string {
	return TimeString(time.Now())
}
