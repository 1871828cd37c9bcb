package sensors

import (
	"fmt"
	"sort"
	"time"
)

// Bucket is the granularity readings are grouped by.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

// DefaultBucket is used when a query names none.
const DefaultBucket = BucketDay

// ParseBucket validates a bucket name. The empty string is DefaultBucket.
func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(s); b {
	case "":
		return DefaultBucket, nil
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return b, nil
	}
	return "", fmt.Errorf("unknown bucket %q", s)
}

// Label truncates t, in UTC, to the bucket and formats it. Labels of the
// same bucket sort chronologically as strings:
//
//	hour   2020-01-01 13
//	day    2020-01-01
//	week   2020-00 (Sunday-based week of the year)
//	month  2020-01
func (b Bucket) Label(t time.Time) string {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Format("2006-01-02 15")
	case BucketWeek:
		return fmt.Sprintf("%04d-%02d", t.Year(), sundayWeek(t))
	case BucketMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// sundayWeek returns the week number of the year where weeks start on
// Sunday. Days before the first Sunday are in week 0.
func sundayWeek(t time.Time) int {
	yday := t.YearDay() - 1
	return (yday + 7 - int(t.Weekday())) / 7
}

// Labels returns the sorted distinct labels of the given times whose label
// lies within [Label(from), Label(to)]. Nil bounds are not checked.
func (b Bucket) Labels(times []time.Time, from, to *time.Time) []string {
	var lo, hi string
	if from != nil {
		lo = b.Label(*from)
	}
	if to != nil {
		hi = b.Label(*to)
	}
	seen := map[string]struct{}{}
	labels := []string{}
	for _, t := range times {
		l := b.Label(t)
		if from != nil && l < lo {
			continue
		}
		if to != nil && l > hi {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
