package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"tubescribe/internal/jobstore"
)

// Due points are calendar-aligned, not duration-based: daily jobs fire at the
// next midnight, weekly at the next Monday midnight, monthly on the next 1st.
// Cron expressions give us exactly those semantics, DST handling included.
var cronByFreq = map[jobstore.Frequency]cron.Schedule{
	jobstore.FreqDaily:   mustParse("0 0 * * *"),
	jobstore.FreqWeekly:  mustParse("0 0 * * 1"),
	jobstore.FreqMonthly: mustParse("0 0 1 * *"),
}

func mustParse(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// NextDue returns the first calendar trigger point strictly after the given
// time. Unknown frequencies fall back to daily.
func NextDue(freq jobstore.Frequency, after time.Time) time.Time {
	sched, ok := cronByFreq[freq]
	if !ok {
		sched = cronByFreq[jobstore.FreqDaily]
	}
	return sched.Next(after.UTC())
}
