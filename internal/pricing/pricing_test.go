package pricing

import (
	"errors"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSeatProrationMidCycle(t *testing.T) {
	// 15 days remaining, 2 seats at 500/month: 500/30*15*2 = 500 exactly.
	validUntil := now.AddDate(0, 0, 15)

	q, err := SeatProrationCost(500, validUntil, 2, now)
	if err != nil {
		t.Fatalf("SeatProrationCost: %v", err)
	}
	if q.Cost != 500 {
		t.Errorf("cost = %d, want 500", q.Cost)
	}
	if q.DaysCharged != 15 {
		t.Errorf("daysCharged = %d, want 15", q.DaysCharged)
	}
	if q.Reactivate {
		t.Error("mid-cycle purchase should not reactivate")
	}
}

func TestSeatProrationRoundsUp(t *testing.T) {
	// 7 days, 1 seat at 1000/month: 1000*7/30 = 233.33 -> 234.
	q, err := SeatProrationCost(1000, now.AddDate(0, 0, 7), 1, now)
	if err != nil {
		t.Fatalf("SeatProrationCost: %v", err)
	}
	if q.Cost != 234 {
		t.Errorf("cost = %d, want 234", q.Cost)
	}
}

func TestSeatProrationPartialDayCountsAsFull(t *testing.T) {
	// 14 days and one hour remaining rounds up to 15 chargeable days.
	validUntil := now.AddDate(0, 0, 14).Add(time.Hour)

	q, err := SeatProrationCost(500, validUntil, 1, now)
	if err != nil {
		t.Fatalf("SeatProrationCost: %v", err)
	}
	if q.DaysCharged != 15 {
		t.Errorf("daysCharged = %d, want 15", q.DaysCharged)
	}
}

func TestSeatProrationExpiredStartsFreshPeriod(t *testing.T) {
	validUntil := now.AddDate(0, 0, -3)

	q, err := SeatProrationCost(500, validUntil, 2, now)
	if err != nil {
		t.Fatalf("SeatProrationCost: %v", err)
	}
	if !q.Reactivate {
		t.Fatal("expired subscription must reactivate")
	}
	if q.DaysCharged != FreshPeriodDays {
		t.Errorf("daysCharged = %d, want %d", q.DaysCharged, FreshPeriodDays)
	}
	// Full month for both seats: 500*30*2/30 = 1000.
	if q.Cost != 1000 {
		t.Errorf("cost = %d, want 1000", q.Cost)
	}
}

func TestSeatProrationZeroQuantity(t *testing.T) {
	if _, err := SeatProrationCost(500, now.AddDate(0, 0, 10), 0, now); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("err = %v, want ErrInvalidQuantity", err)
	}
}

func TestExtensionCostTiers(t *testing.T) {
	tests := []struct {
		months int
		want   int64
	}{
		{1, 5000},   // 10*500*1, no discount
		{3, 13500},  // 15000 * 0.9
		{6, 24000},  // 30000 * 0.8
		{12, 36000}, // 60000 * 0.6
	}
	for _, tt := range tests {
		got, err := ExtensionCost(500, 10, tt.months)
		if err != nil {
			t.Fatalf("ExtensionCost(months=%d): %v", tt.months, err)
		}
		if got != tt.want {
			t.Errorf("ExtensionCost(months=%d) = %d, want %d", tt.months, got, tt.want)
		}
	}
}

func TestExtensionCostInvalidDuration(t *testing.T) {
	for _, months := range []int{0, 2, 4, 5, 7, 24, -1} {
		if _, err := ExtensionCost(500, 10, months); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("months=%d: err = %v, want ErrInvalidDuration", months, err)
		}
	}
}

func TestExtensionCostRoundsUp(t *testing.T) {
	// 1 seat, 333/month, 3 months: 999 * 0.9 = 899.1 -> 900.
	got, err := ExtensionCost(333, 1, 3)
	if err != nil {
		t.Fatalf("ExtensionCost: %v", err)
	}
	if got != 900 {
		t.Errorf("cost = %d, want 900", got)
	}
}

func TestExtensionExpiry(t *testing.T) {
	// Active subscription: extension stacks on the current expiry.
	current := now.AddDate(0, 0, 20)
	if got, want := ExtensionExpiry(current, now, 3), current.AddDate(0, 3, 0); !got.Equal(want) {
		t.Errorf("active expiry = %v, want %v", got, want)
	}

	// Lapsed subscription: extension starts from now.
	lapsed := now.AddDate(0, -2, 0)
	if got, want := ExtensionExpiry(lapsed, now, 6), now.AddDate(0, 6, 0); !got.Equal(want) {
		t.Errorf("lapsed expiry = %v, want %v", got, want)
	}
}

func TestValidDuration(t *testing.T) {
	for _, m := range []int{1, 3, 6, 12} {
		if !ValidDuration(m) {
			t.Errorf("ValidDuration(%d) = false", m)
		}
	}
	if ValidDuration(2) {
		t.Error("ValidDuration(2) = true")
	}
}
