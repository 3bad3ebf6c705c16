package tariff

import (
	"errors"
	"testing"
	"time"
)

var testSchedule = Schedule{
	FirstHourCents:      500,
	AdditionalHourCents: 300,
	DailyCents:          2500,
	DailyThresholdHours: 9,
}

func TestComputeFee(t *testing.T) {
	entry := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{"zero interval", 0, 0},
		{"one second", time.Second, 500},
		{"under an hour", 59 * time.Minute, 500},
		{"exactly one hour", time.Hour, 500},
		{"just over an hour", 61 * time.Minute, 800},
		{"ninety minutes", 90 * time.Minute, 800},
		{"eight hours", 8 * time.Hour, 2600},
		{"threshold boundary", 9 * time.Hour, 2500},
		{"just past threshold", 9*time.Hour + time.Minute, 2500},
		{"full day", 24 * time.Hour, 2500},
		{"day and an hour", 25 * time.Hour, 5000},
		{"three days", 72 * time.Hour, 7500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeFee(entry, entry.Add(tt.elapsed), testSchedule)
			if err != nil {
				t.Fatalf("ComputeFee error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ComputeFee(%v) = %d, want %d", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestComputeFee_InvalidRange(t *testing.T) {
	entry := time.Now()

	_, err := ComputeFee(entry, entry.Add(-time.Minute), testSchedule)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestComputeFee_Monotonic(t *testing.T) {
	entry := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	// Стоимость не убывает по времени, пока суточный тариф покрывает
	// почасовую стоимость порогового интервала: daily >= first + (threshold-1)*additional.
	schedule := Schedule{
		FirstHourCents:      500,
		AdditionalHourCents: 300,
		DailyCents:          5000,
		DailyThresholdHours: 9,
	}

	var prev int64
	for m := 0; m <= 3*24*60; m += 15 {
		fee, err := ComputeFee(entry, entry.Add(time.Duration(m)*time.Minute), schedule)
		if err != nil {
			t.Fatalf("ComputeFee at %d minutes: %v", m, err)
		}
		if fee < prev {
			t.Fatalf("fee decreased at %d minutes: %d < %d", m, fee, prev)
		}
		prev = fee
	}
}

func TestComputeFee_ThresholdDip(t *testing.T) {
	entry := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	// С тарифом по умолчанию девятый час дешевле восьмого: суточная ставка
	// 2500 ниже почасовой суммы 2600. Это свойство тарифной сетки, а не расчёта.
	before, err := ComputeFee(entry, entry.Add(8*time.Hour), testSchedule)
	if err != nil {
		t.Fatalf("ComputeFee error: %v", err)
	}
	after, err := ComputeFee(entry, entry.Add(9*time.Hour), testSchedule)
	if err != nil {
		t.Fatalf("ComputeFee error: %v", err)
	}

	if before != 2600 || after != 2500 {
		t.Fatalf("fees around threshold = %d, %d; want 2600, 2500", before, after)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"seconds", 45 * time.Second, "45s"},
		{"minutes", 12 * time.Minute, "12m"},
		{"hours and minutes", 3*time.Hour + 5*time.Minute, "3h 5m"},
		{"days", 2*24*time.Hour + 3*time.Hour + 4*time.Minute, "2d 3h 4m"},
		{"negative clamped", -time.Minute, "0s"},
		{"ninety minutes", 90 * time.Minute, "1h 30m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.want {
				t.Fatalf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}
