package auction

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRoundEnd_SubDayDuration(t *testing.T) {
	start := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	end := roundEnd(start, 30*time.Minute, "America/New_York", discard())
	want := start.Add(30 * time.Minute)
	if !end.Equal(want) {
		t.Errorf("roundEnd = %v, want %v", end, want)
	}
}

// A one-day round crossing the US spring-forward transition ends at the
// same local wall time, which is only 23 elapsed hours.
func TestRoundEnd_DSTSpringForward(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// 2026-03-08 02:00 local is when clocks jump forward.
	start := time.Date(2026, 3, 7, 12, 0, 0, 0, loc)
	end := roundEnd(start.UTC(), 24*time.Hour, "America/New_York", discard())

	wantLocal := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	if !end.Equal(wantLocal) {
		t.Errorf("roundEnd = %v, want %v", end.In(loc), wantLocal)
	}
	if elapsed := end.Sub(start.UTC()); elapsed != 23*time.Hour {
		t.Errorf("elapsed = %v, want 23h across spring forward", elapsed)
	}
}

func TestRoundEnd_WholeDayNoDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, loc)
	end := roundEnd(start.UTC(), 24*time.Hour, "America/New_York", discard())
	want := start.Add(24 * time.Hour)
	if !end.Equal(want) {
		t.Errorf("roundEnd = %v, want %v", end, want)
	}
}

func TestRoundEnd_UnknownTimezoneFallsBack(t *testing.T) {
	start := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	end := roundEnd(start, 24*time.Hour, "Not/AZone", discard())
	want := start.Add(24 * time.Hour)
	if !end.Equal(want) {
		t.Errorf("roundEnd = %v, want %v", end, want)
	}
}
