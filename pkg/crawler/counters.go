package crawler

// Reason names a skip counter.
type Reason string

const (
	// Filter reasons.
	ReasonExcludedSubstring Reason = "excluded_substring"
	ReasonExcludedExtension Reason = "excluded_extension"

	// ZIP inspection and listing skip reasons.
	ReasonAccessDenied       Reason = "access_denied"
	ReasonNotFound           Reason = "not_found"
	ReasonTransientNetwork   Reason = "transient_network"
	ReasonRangeUnsupported   Reason = "range_unsupported"
	ReasonEocdNotFound       Reason = "eocd_not_found"
	ReasonZip64Unsupported   Reason = "zip64_unsupported"
	ReasonMalformedDirectory Reason = "malformed_directory"
)

// Counters accounts for everything a bucket crawl skipped. Only the
// goroutine crawling a bucket mutates its Counters; merging happens after
// the bucket is done.
type Counters struct {
	// Filtered counts listing entries dropped by a filter rule.
	Filtered map[Reason]int
	// ZipSkipped counts archives whose inspection was aborted.
	ZipSkipped map[Reason]int
	// Failed counts listings that could not be crawled at all.
	Failed map[Reason]int
}

func NewCounters() Counters {
	return Counters{
		Filtered:   make(map[Reason]int),
		ZipSkipped: make(map[Reason]int),
		Failed:     make(map[Reason]int),
	}
}

func (c Counters) Merge(other Counters) {
	for r, n := range other.Filtered {
		c.Filtered[r] += n
	}
	for r, n := range other.ZipSkipped {
		c.ZipSkipped[r] += n
	}
	for r, n := range other.Failed {
		c.Failed[r] += n
	}
}

// Summary maps bucket names to their final counters.
type Summary map[string]Counters

func (s Summary) Merge(bucket string, c Counters) {
	cur, ok := s[bucket]
	if !ok {
		cur = NewCounters()
		s[bucket] = cur
	}
	cur.Merge(c)
}
