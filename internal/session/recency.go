package session

import "time"

// Bucket is a recency group. The declaration order is the display order.
type Bucket int

const (
	// Pending holds a conversation whose thread id is not assigned yet.
	Pending Bucket = iota
	Today
	Yesterday
	DayBeforeYesterday
	Within7Days
	Within30Days
	Older
)

var bucketNames = map[Bucket]string{
	Pending:            "Pending",
	Today:              "Today",
	Yesterday:          "Yesterday",
	DayBeforeYesterday: "Day before yesterday",
	Within7Days:        "Within 7 days",
	Within30Days:       "Within 30 days",
	Older:              "Older",
}

func (b Bucket) String() string {
	if name, ok := bucketNames[b]; ok {
		return name
	}
	return "Unknown"
}

// Group is a non-empty bucket of sessions in list order.
type Group struct {
	Bucket   Bucket    `json:"bucket" yaml:"bucket"`
	Sessions []Session `json:"sessions" yaml:"sessions"`
}

// Classify places t relative to now by calendar days in now's location.
// Times in the future count as today.
func Classify(t, now time.Time) Bucket {
	days := calendarDays(t.In(now.Location()), now)
	switch {
	case days <= 0:
		return Today
	case days == 1:
		return Yesterday
	case days == 2:
		return DayBeforeYesterday
	case days <= 7:
		return Within7Days
	case days <= 30:
		return Within30Days
	default:
		return Older
	}
}

// GroupByRecency buckets sessions by LastActivity. Empty buckets are
// omitted and sessions keep their input order within a bucket.
func GroupByRecency(sessions []Session, now time.Time) []Group {
	byBucket := make(map[Bucket][]Session)
	for _, s := range sessions {
		b := Classify(s.LastActivity(), now)
		byBucket[b] = append(byBucket[b], s)
	}

	groups := make([]Group, 0, len(byBucket))
	for b := Today; b <= Older; b++ {
		if len(byBucket[b]) > 0 {
			groups = append(groups, Group{Bucket: b, Sessions: byBucket[b]})
		}
	}
	return groups
}

// calendarDays counts midnights between from and to, ignoring clock time
// and DST shifts.
func calendarDays(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
