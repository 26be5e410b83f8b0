package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextBillingDateMonthlyClampsToMonthEnd(t *testing.T) {
	spec := CycleSpec{Type: CycleMonthly, DayOfMonth: 31}

	next := NextBillingDate(spec, date(2024, time.January, 31))
	require.Equal(t, date(2024, time.February, 29), next, "leap-year February clamps day 31 to 29")

	next = NextBillingDate(spec, date(2024, time.March, 31))
	require.Equal(t, date(2024, time.April, 30), next)

	next = NextBillingDate(spec, date(2023, time.January, 31))
	require.Equal(t, date(2023, time.February, 28), next)
}

func TestNextBillingDateMonthlyPinsConfiguredDay(t *testing.T) {
	spec := CycleSpec{Type: CycleMonthly, DayOfMonth: 1}

	next := NextBillingDate(spec, date(2024, time.February, 1))
	require.Equal(t, date(2024, time.March, 1), next)

	// After a clamped month the configured day is restored, not drifted.
	next = NextBillingDate(CycleSpec{Type: CycleMonthly, DayOfMonth: 31}, date(2024, time.February, 29))
	require.Equal(t, date(2024, time.March, 31), next)
}

func TestNextBillingDateWeekly(t *testing.T) {
	spec := CycleSpec{Type: CycleWeekly}
	next := NextBillingDate(spec, date(2024, time.June, 24))
	require.Equal(t, date(2024, time.July, 1), next)
}

func TestNextBillingDateYearlyAnchorOverride(t *testing.T) {
	spec := CycleSpec{Type: CycleYearly, MonthOfYear: 6, DayOfMonth: 15}

	next := NextBillingDate(spec, date(2024, time.January, 10))
	require.Equal(t, date(2025, time.June, 15), next, "anchor is recomputed from the configured month and day, not the input date")

	next = NextBillingDate(spec, date(2024, time.December, 31))
	require.Equal(t, date(2025, time.June, 15), next)
}

func TestNextBillingDateYearlyWithoutAnchor(t *testing.T) {
	spec := CycleSpec{Type: CycleYearly}
	next := NextBillingDate(spec, date(2024, time.May, 20))
	require.Equal(t, date(2025, time.May, 20), next)
}

func TestNextBillingDateYearlyAnchorClampsDay(t *testing.T) {
	spec := CycleSpec{Type: CycleYearly, MonthOfYear: 2, DayOfMonth: 30}
	next := NextBillingDate(spec, date(2024, time.January, 1))
	require.Equal(t, date(2025, time.February, 28), next)
}

func TestNextBillingDateXDays(t *testing.T) {
	spec := CycleSpec{Type: CycleXDays, IntervalDays: 45}
	from := date(2024, time.January, 10)

	next := NextBillingDate(spec, from)
	require.Equal(t, from.AddDate(0, 0, 45), next)
	require.True(t, next.After(from))
}

func TestNextBillingDateXDaysWithoutIntervalFallsBackToMonthly(t *testing.T) {
	spec := CycleSpec{Type: CycleXDays}
	next := NextBillingDate(spec, date(2024, time.January, 15))
	require.Equal(t, date(2024, time.February, 15), next)
}

func TestNextBillingDateUnknownTypeFallsBackToMonthly(t *testing.T) {
	spec := CycleSpec{Type: CycleType("fortnightly")}
	next := NextBillingDate(spec, date(2024, time.January, 15))
	require.Equal(t, date(2024, time.February, 15), next)
}

func TestNextBillingDateNeverReturnsPastOrSameDate(t *testing.T) {
	from := date(2024, time.March, 3)
	for _, spec := range []CycleSpec{
		{Type: CycleMonthly},
		{Type: CycleWeekly},
		{Type: CycleYearly},
		{Type: CycleXDays, IntervalDays: -5},
		{Type: CycleXDays},
		{Type: CycleType("")},
	} {
		next := NextBillingDate(spec, from)
		require.True(t, next.After(from), "cycle %q must advance past %s, got %s", spec.Type, from, next)
	}
}

func TestBillingPeriodMonthly(t *testing.T) {
	spec := CycleSpec{Type: CycleMonthly, DayOfMonth: 1}
	start, end := BillingPeriod(spec, date(2024, time.January, 1), date(2024, time.February, 1))
	require.Equal(t, date(2024, time.January, 1), start)
	require.Equal(t, date(2024, time.February, 1), end)
}

func TestBillingPeriodClampsToServiceStart(t *testing.T) {
	spec := CycleSpec{Type: CycleMonthly}
	start, end := BillingPeriod(spec, date(2024, time.March, 1), date(2024, time.March, 15))
	require.Equal(t, date(2024, time.March, 1), start, "first period starts at the service start, not before it")
	require.Equal(t, date(2024, time.March, 15), end)
}

func TestBillingPeriodWeekly(t *testing.T) {
	spec := CycleSpec{Type: CycleWeekly}
	start, end := BillingPeriod(spec, date(2023, time.January, 1), date(2024, time.July, 8))
	require.Equal(t, date(2024, time.July, 1), start)
	require.Equal(t, date(2024, time.July, 8), end)
}

func TestBillingPeriodYearly(t *testing.T) {
	spec := CycleSpec{Type: CycleYearly}
	start, _ := BillingPeriod(spec, date(2020, time.January, 1), date(2024, time.June, 15))
	require.Equal(t, date(2023, time.June, 15), start)
}

func TestBillingPeriodXDays(t *testing.T) {
	spec := CycleSpec{Type: CycleXDays, IntervalDays: 45}
	start, end := BillingPeriod(spec, date(2023, time.January, 1), date(2024, time.March, 1))
	require.Equal(t, end.AddDate(0, 0, -45), start)
	require.True(t, start.Before(end))
}

func TestBillingPeriodStartNeverAfterEnd(t *testing.T) {
	spec := CycleSpec{Type: CycleMonthly}
	start, end := BillingPeriod(spec, date(2024, time.March, 15), date(2024, time.March, 15))
	require.False(t, start.After(end))
}
