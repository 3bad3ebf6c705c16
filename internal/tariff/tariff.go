// Package tariff содержит расчёт стоимости парковки и форматирование длительности.
package tariff

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange возвращается, если время выезда раньше времени въезда.
var ErrInvalidRange = errors.New("exit time is before entry time")

// Schedule описывает тарифную сетку. Все суммы хранятся в сентаво.
// Начиная с DailyThresholdHours округлённых часов действует суточный тариф.
type Schedule struct {
	FirstHourCents      int64
	AdditionalHourCents int64
	DailyCents          int64
	DailyThresholdHours int
}

// ComputeFee вычисляет стоимость стоянки за интервал [entry, exit] в сентаво.
// Неполный час оплачивается как полный. Нулевой интервал стоит 0.
func ComputeFee(entry, exit time.Time, s Schedule) (int64, error) {
	if exit.Before(entry) {
		return 0, ErrInvalidRange
	}

	const msPerHour = int64(time.Hour / time.Millisecond)

	elapsedMs := exit.Sub(entry).Milliseconds()
	hours := (elapsedMs + msPerHour - 1) / msPerHour

	if hours <= 0 {
		return 0, nil
	}

	if hours >= int64(s.DailyThresholdHours) {
		days := (hours + 23) / 24
		return days * s.DailyCents, nil
	}

	if hours == 1 {
		return s.FirstHourCents, nil
	}

	return s.FirstHourCents + (hours-1)*s.AdditionalHourCents, nil
}

// FormatDuration форматирует длительность стоянки в читаемую метку:
// "2d 3h 4m", "3h 5m", "12m" или "45s" в зависимости от величины.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
