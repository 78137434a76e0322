package utils

import "time"

// GetCurrentTimestamp returns the current Unix timestamp in seconds.
func GetCurrentTimestamp() int64 {
	return time.Now().Unix()
}

// GetCurrentTimestampMillis returns the current Unix timestamp in milliseconds.
func GetCurrentTimestampMillis() int64 {
	return time.Now().UnixMilli()
}

// Timestamp is the (seconds, nanos) wire pair used across the RPC surface.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// NewTimestamp converts a time.Time to the wire Timestamp pair.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts a wire Timestamp back to time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos))
}
