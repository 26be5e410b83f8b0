package billing

import "time"

// Date math for recurring billing. All functions are pure and operate on
// calendar dates; callers are expected to pass midnight-UTC values.

// NextBillingDate computes the billing date that follows from for the given
// cycle spec.
//
// Monthly advances by one calendar month; when DayOfMonth is set the result is
// pinned to that day, clamped to the last valid day of the target month (day
// 31 in February yields Feb 28/29). Weekly advances by seven days. Yearly
// advances by one year and, when both MonthOfYear and DayOfMonth are set,
// re-anchors the result to that month/day rather than drifting from the input.
// XDays advances by IntervalDays.
//
// An unset IntervalDays on an x_days cycle and any unrecognised cycle type
// fall back to a one-month advance so the scheduler always makes forward
// progress. The result is always strictly after from.
func NextBillingDate(spec CycleSpec, from time.Time) time.Time {
	from = atMidnightUTC(from)

	var next time.Time
	switch spec.Type {
	case CycleMonthly:
		next = addMonths(from, 1, spec.DayOfMonth)
	case CycleWeekly:
		next = from.AddDate(0, 0, 7)
	case CycleYearly:
		next = from.AddDate(1, 0, 0)
		if spec.MonthOfYear >= 1 && spec.MonthOfYear <= 12 && spec.DayOfMonth >= 1 {
			month := time.Month(spec.MonthOfYear)
			day := clampDay(next.Year(), month, spec.DayOfMonth)
			next = time.Date(next.Year(), month, day, 0, 0, 0, 0, time.UTC)
		}
	case CycleXDays:
		if spec.IntervalDays > 0 {
			next = from.AddDate(0, 0, spec.IntervalDays)
		} else {
			// Fallback, not x_days semantics: a misconfigured interval must
			// not stall the schedule.
			next = addMonths(from, 1, 0)
		}
	default:
		next = addMonths(from, 1, 0)
	}

	if !next.After(from) {
		next = addMonths(from, 1, 0)
	}
	return next
}

// BillingPeriod computes the period covered by a payment due on billingDate.
// The period ends on billingDate and starts one cycle earlier, clamped so it
// never begins before the service existed.
func BillingPeriod(spec CycleSpec, serviceStart, billingDate time.Time) (start, end time.Time) {
	serviceStart = atMidnightUTC(serviceStart)
	end = atMidnightUTC(billingDate)

	switch spec.Type {
	case CycleWeekly:
		start = end.AddDate(0, 0, -7)
	case CycleYearly:
		start = addMonths(end, -12, 0)
	case CycleXDays:
		if spec.IntervalDays > 0 {
			start = end.AddDate(0, 0, -spec.IntervalDays)
		} else {
			start = addMonths(end, -1, 0)
		}
	default:
		start = addMonths(end, -1, 0)
	}

	if start.Before(serviceStart) {
		start = serviceStart
	}
	return start, end
}

// addMonths advances t by the given number of calendar months without the
// day-overflow normalisation of time.AddDate (Jan 31 + 1 month is Feb 29, not
// Mar 2). A positive day pins the result to that day of the target month; zero
// keeps t's day. Either way the day is clamped to the target month's length.
func addMonths(t time.Time, months int, day int) time.Time {
	y, m, d := t.Date()
	if day > 0 {
		d = day
	}
	anchor := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	d = clampDay(anchor.Year(), anchor.Month(), d)
	return time.Date(anchor.Year(), anchor.Month(), d, 0, 0, 0, 0, time.UTC)
}

func clampDay(year int, month time.Month, day int) int {
	last := daysIn(year, month)
	if day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func atMidnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
