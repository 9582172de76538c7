package db

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Session is the persisted history row of one execution session.
type Session struct {
	ID             string
	Owner          string
	Tool           string
	Command        string
	Args           []string
	PTY            bool
	State          string
	PID            int
	ExitCode       *int
	Signal         string
	Error          string
	OutputBytes    int64
	CreatedAt      time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	LastActivityAt time.Time
}

// SessionCommand is one audited control request against a session.
type SessionCommand struct {
	ID          string
	SessionID   string
	Op          string
	PayloadJSON string
	Status      string
	ResultJSON  string
	Error       string
	CreatedAt   time.Time
	SentAt      time.Time
	AckedAt     time.Time
	CompletedAt time.Time
}

type SessionFilter struct {
	Owner string
	State string
	Limit int
}

func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// timestampLayout has a fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func encodeStringSlice(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string slice: %w", err)
	}
	return string(buf), nil
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string slice: %w", err)
	}
	return values, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
