package rounds

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"aviatorclient/internal/backend"
)

// Phase is the display lifecycle of a round. The client only mirrors it.
type Phase string

const (
	PhaseUnknown   Phase = "unknown"
	PhaseScheduled Phase = "scheduled"
	PhaseRunning   Phase = "running"
	PhaseCrashed   Phase = "crashed"
)

// Round is the canonical shape of a current-round record. Pointer fields are
// nil when the record carried no usable value.
type Round struct {
	ID              string     `json:"id"`
	Status          string     `json:"status,omitempty"`
	Phase           Phase      `json:"phase"`
	BurstMultiplier *float64   `json:"burst_multiplier"`
	StartsAt        *time.Time `json:"starts_at"`
	RoundNumber     *int64     `json:"round_number"`
}

// Field aliases seen across deployments of the round tables, in priority
// order. The first alias holding a non-null value wins.
var (
	multiplierKeys  = []string{"burst_point", "multiplier", "current_multiplier"}
	statusKeys      = []string{"status", "state"}
	roundNumberKeys = []string{"round_number", "round"}
)

var phaseByStatus = map[string]Phase{
	"scheduled":   PhaseScheduled,
	"pending":     PhaseScheduled,
	"waiting":     PhaseScheduled,
	"betting":     PhaseScheduled,
	"running":     PhaseRunning,
	"flying":      PhaseRunning,
	"in_progress": PhaseRunning,
	"active":      PhaseRunning,
	"crashed":     PhaseCrashed,
	"resolved":    PhaseCrashed,
	"burst":       PhaseCrashed,
	"ended":       PhaseCrashed,
	"finished":    PhaseCrashed,
}

// Normalize maps a raw current-round record onto Round. It never fails: a
// field whose aliases are all missing or malformed comes out absent.
func Normalize(raw backend.RawRound) Round {
	r := Round{Phase: PhaseUnknown}
	if raw == nil {
		return r
	}

	if id, ok := stringValue(raw["id"]); ok {
		r.ID = id
	}
	if v, ok := lookup(raw, multiplierKeys, floatValue); ok {
		r.BurstMultiplier = &v
	}
	if v, ok := lookup(raw, statusKeys, stringValue); ok {
		r.Status = v
		r.Phase = PhaseOf(v)
	}
	if v, ok := lookup(raw, roundNumberKeys, intValue); ok {
		r.RoundNumber = &v
	}
	if v, ok := timeValue(raw["starts_at"]); ok {
		r.StartsAt = &v
	}
	return r
}

// PhaseOf maps a backend status spelling onto a Phase.
func PhaseOf(status string) Phase {
	if p, ok := phaseByStatus[strings.ToLower(strings.TrimSpace(status))]; ok {
		return p
	}
	return PhaseUnknown
}

func lookup[T any](raw backend.RawRound, keys []string, conv func(any) (T, bool)) (T, bool) {
	for _, k := range keys {
		v, present := raw[k]
		if !present || v == nil {
			continue
		}
		// The first non-null alias decides, even when it does not convert.
		return conv(v)
	}
	var zero T
	return zero, false
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64, int:
		return fmt.Sprint(t), true
	}
	return "", false
}

func floatValue(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func intValue(v any) (int64, bool) {
	f, ok := floatValue(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func timeValue(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
