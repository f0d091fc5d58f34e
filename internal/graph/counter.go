package graph

import "time"

// bucket counts events that arrived in [start, start+resolution).
type bucket struct {
	start time.Time
	count int64
}

// counter keeps a cumulative total and a rolling count over a sliding window
// made of fixed-width time buckets, oldest first.
type counter struct {
	total   int64
	rolling int64
	buckets []bucket
}

func (c *counter) add(now time.Time, resolution time.Duration) {
	c.total++
	c.rolling++
	start := now.Truncate(resolution)
	if n := len(c.buckets); n > 0 && c.buckets[n-1].start.Equal(start) {
		c.buckets[n-1].count++
		return
	}
	c.buckets = append(c.buckets, bucket{start: start, count: 1})
}

// expire drops buckets that ended at or before cutoff. Reports whether the
// rolling count changed.
func (c *counter) expire(cutoff time.Time, resolution time.Duration) bool {
	i := 0
	var dropped int64
	for i < len(c.buckets) && !c.buckets[i].start.Add(resolution).After(cutoff) {
		dropped += c.buckets[i].count
		i++
	}
	if i == 0 {
		return false
	}
	c.buckets = append(c.buckets[:0], c.buckets[i:]...)
	c.rolling -= dropped
	return dropped != 0
}
