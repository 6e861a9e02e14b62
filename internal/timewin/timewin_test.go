package timewin

import (
	"testing"
	"time"
)

// fixedClock returns a Clock pinned to a known instant in a known zone.
func fixedClock(t *testing.T, tz string, instant time.Time) *Clock {
	t.Helper()
	c := New(tz)
	c.now = func() time.Time { return instant }
	return c
}

func TestNormalizeResetTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		h, m int
	}{
		{"00:00", 0, 0},
		{"07:30", 7, 30},
		{"23:59", 23, 59},
		{"24:00", 0, 0},
		{"7:75", 0, 0},
		{"garbage", 0, 0},
		{"", 0, 0},
		{" 9 : 15 ", 9, 15},
	}
	for _, tc := range cases {
		h, m := NormalizeResetTime(tc.in)
		if h != tc.h || m != tc.m {
			t.Errorf("NormalizeResetTime(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.h, tc.m)
		}
	}
}

func TestTimeRange_5hRolling(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := fixedClock(t, "UTC", now)

	r, err := c.TimeRange(Period5h, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.End.Sub(r.Start); got != 5*time.Hour {
		t.Errorf("5h window duration = %v", got)
	}
	if !r.ResetAt.IsZero() {
		t.Error("rolling window should have no reset")
	}
}

func TestTimeRange_DailyFixed(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("Asia/Shanghai")

	// 03:00 Shanghai, reset at 07:00: the window anchors to yesterday 07:00.
	now := time.Date(2025, 6, 15, 3, 0, 0, 0, loc)
	c := fixedClock(t, "Asia/Shanghai", now)

	r, err := c.TimeRange(PeriodDaily, "07:00", DailyFixed)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2025, 6, 14, 7, 0, 0, 0, loc)
	if !r.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", r.Start, wantStart)
	}
	if !r.ResetAt.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Errorf("reset = %v", r.ResetAt)
	}

	// 09:00 Shanghai: the window anchors to today 07:00.
	c.now = func() time.Time { return time.Date(2025, 6, 15, 9, 0, 0, 0, loc) }
	r, _ = c.TimeRange(PeriodDaily, "07:00", DailyFixed)
	wantStart = time.Date(2025, 6, 15, 7, 0, 0, 0, loc)
	if !r.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", r.Start, wantStart)
	}
}

func TestTimeRange_DailyRolling(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := fixedClock(t, "UTC", now)

	r, err := c.TimeRange(PeriodDaily, "", DailyRolling)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.End.Sub(r.Start); got != 24*time.Hour {
		t.Errorf("rolling daily duration = %v", got)
	}
	if !r.ResetAt.IsZero() {
		t.Error("rolling daily should have no reset")
	}
}

func TestTimeRange_WeeklyISOWeek(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("Asia/Shanghai")
	// Sunday June 15 2025 belongs to the ISO week starting Monday June 9.
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, loc)
	c := fixedClock(t, "Asia/Shanghai", now)

	r, err := c.TimeRange(PeriodWeekly, "", "")
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2025, 6, 9, 0, 0, 0, 0, loc)
	if !r.Start.Equal(wantStart) {
		t.Errorf("weekly start = %v, want %v", r.Start, wantStart)
	}
}

func TestTimeRange_Monthly(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("Asia/Shanghai")
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, loc)
	c := fixedClock(t, "Asia/Shanghai", now)

	r, err := c.TimeRange(PeriodMonthly, "", "")
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2025, 6, 1, 0, 0, 0, 0, loc)
	if !r.Start.Equal(wantStart) {
		t.Errorf("monthly start = %v, want %v", r.Start, wantStart)
	}
	if !r.ResetAt.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, loc)) {
		t.Errorf("monthly reset = %v", r.ResetAt)
	}
}

func TestTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
	c := fixedClock(t, "UTC", now)

	if ttl := c.TTL(Period5h, "", ""); ttl != 5*time.Hour {
		t.Errorf("5h TTL = %v", ttl)
	}
	if ttl := c.TTL(PeriodTotal, "", ""); ttl != 0 {
		t.Errorf("total TTL = %v, want 0", ttl)
	}
	// Fixed daily at midnight: one hour remains.
	ttl := c.TTL(PeriodDaily, "00:00", DailyFixed)
	if ttl < 55*time.Minute || ttl > time.Hour {
		t.Errorf("daily TTL = %v, want ~1h", ttl)
	}
}

func TestSecondsUntilMidnight(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("Asia/Shanghai")
	now := time.Date(2025, 6, 15, 23, 59, 0, 0, loc)
	c := fixedClock(t, "Asia/Shanghai", now)

	if got := c.SecondsUntilMidnight(); got != 60 {
		t.Errorf("SecondsUntilMidnight = %d, want 60", got)
	}
}

func TestNew_FallbackZone(t *testing.T) {
	t.Parallel()
	c := New("Not/AZone")
	if c.Location().String() != DefaultTimezone {
		t.Errorf("fallback zone = %s", c.Location())
	}
}
