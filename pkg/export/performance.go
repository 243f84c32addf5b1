package export

import (
	"errors"
	"io"

	"github.com/corvid-labs/memtrace/pkg/trace"
)

// rateBucket is one point in performance.json's allocation-rate series.
type rateBucket struct {
	BucketStart uint64 `json:"bucket_start"`
	Allocations uint64 `json:"allocations"`
	BytesAlloc  uint64 `json:"bytes_allocated"`
}

type typeHistogramEntry struct {
	TypeName   string `json:"type_name"`
	Count      uint64 `json:"count"`
	TotalBytes uint64 `json:"total_bytes"`
}

type performanceMetrics struct {
	TotalRecords    uint64               `json:"total_records"`
	LiveCount       uint64               `json:"live_count"`
	FinalisedCount  uint64               `json:"finalised_count"`
	TotalBytesAlloc uint64               `json:"total_bytes_allocated"`
	TotalBytesFreed uint64               `json:"total_bytes_freed"`
	PeakLiveBytes   uint64               `json:"peak_live_bytes"`
	PeakLiveCount   uint64               `json:"peak_live_count"`
	TypeHistogram   []typeHistogramEntry `json:"type_histogram"`
	AllocationRate  []rateBucket         `json:"allocation_rate"`
}

const rateBucketCount = 32

// buildPerformance computes performance.json's aggregate metrics in two
// streaming passes over tracePath rather than one pass over a materialised
// record slice: the first pass accumulates totals, the per-type histogram,
// and the timestamp range; the second buckets the allocation-rate series
// and an approximate peak-liveness series using that range. Both passes
// hold only O(type count + rateBucketCount) state, never O(record count).
func buildPerformance(tracePath, outPath string) error {
	totals, truncated1, err := performanceTotals(tracePath)
	if err != nil {
		return err
	}

	buckets, truncated2, err := performanceBuckets(tracePath, totals.minTS, totals.maxTS, totals.totalRecords)
	if err != nil {
		return err
	}

	m := performanceMetrics{
		TotalRecords:    totals.totalRecords,
		LiveCount:       totals.liveCount,
		FinalisedCount:  totals.finalisedCount,
		TotalBytesAlloc: totals.totalBytesAlloc,
		TotalBytesFreed: totals.totalBytesFreed,
		PeakLiveBytes:   buckets.peakBytes,
		PeakLiveCount:   buckets.peakCount,
		TypeHistogram:   totals.histogram,
		AllocationRate:  buckets.rate,
	}

	return writeMetricsRoot(outPath, tracePath, m, truncated1 || truncated2)
}

type performanceTotalsResult struct {
	totalRecords    uint64
	liveCount       uint64
	finalisedCount  uint64
	totalBytesAlloc uint64
	totalBytesFreed uint64
	minTS, maxTS    uint64
	histogram       []typeHistogramEntry
}

func performanceTotals(tracePath string) (performanceTotalsResult, bool, error) {
	reader, strs, _, err := trace.Open(tracePath)
	if err != nil {
		return performanceTotalsResult{}, false, err
	}
	defer reader.Close()

	var out performanceTotalsResult
	out.minTS = ^uint64(0)

	byType := make(map[string]*typeHistogramEntry)

	truncated := false

	for {
		r, nextErr := reader.Next()
		if nextErr != nil {
			if errors.Is(nextErr, io.EOF) {
				break
			}

			truncated = true

			break
		}

		out.totalRecords++
		out.totalBytesAlloc += r.Size

		if r.AllocTimestamp < out.minTS {
			out.minTS = r.AllocTimestamp
		}

		if r.AllocTimestamp > out.maxTS {
			out.maxTS = r.AllocTimestamp
		}

		if r.Live() {
			out.liveCount++
		} else {
			out.finalisedCount++
			out.totalBytesFreed += r.Size

			if r.DeallocTimestamp > out.maxTS {
				out.maxTS = r.DeallocTimestamp
			}
		}

		typeName, ok := resolveString(strs, r.TypeNameID)
		if !ok {
			continue
		}

		entry, found := byType[typeName]
		if !found {
			entry = &typeHistogramEntry{TypeName: typeName}
			byType[typeName] = entry
		}

		entry.Count++
		entry.TotalBytes += r.Size
	}

	if !truncated && !reader.FooterValid() {
		truncated = true
	}

	out.histogram = make([]typeHistogramEntry, 0, len(byType))
	for _, entry := range byType {
		out.histogram = append(out.histogram, *entry)
	}

	sortTypeHistogram(out.histogram)

	return out, truncated, nil
}

type performanceBucketsResult struct {
	rate      []rateBucket
	peakBytes uint64
	peakCount uint64
}

// performanceBuckets re-reads tracePath to fill the allocation-rate series
// and an approximate peak-liveness series, using the timestamp range
// performanceTotals already found. Peak live bytes/count is approximated
// at bucket granularity: each bucket accumulates its net alloc/dealloc
// delta, and a running total across buckets in chronological order
// stands in for sweeping every individual event in exact timestamp order.
// An exact sweep needs every delta sorted by timestamp, which means
// materialising the full record set; trading that for bucket-granularity
// precision is what keeps this pass within O(rateBucketCount) memory.
func performanceBuckets(tracePath string, minTS, maxTS, totalRecords uint64) (performanceBucketsResult, bool, error) {
	reader, _, _, err := trace.Open(tracePath)
	if err != nil {
		return performanceBucketsResult{}, false, err
	}
	defer reader.Close()

	var out performanceBucketsResult

	buildBuckets := totalRecords > 0 && maxTS >= minTS

	var width uint64

	var netBytes, netCount []int64

	if buildBuckets {
		span := maxTS - minTS + 1
		width = span / rateBucketCount

		if width == 0 {
			width = 1
		}

		out.rate = make([]rateBucket, rateBucketCount)
		netBytes = make([]int64, rateBucketCount)
		netCount = make([]int64, rateBucketCount)

		for i := range out.rate {
			out.rate[i].BucketStart = minTS + uint64(i)*width
		}
	}

	bucketIndex := func(ts uint64) int {
		if ts < minTS {
			return 0
		}

		idx := (ts - minTS) / width
		if idx >= rateBucketCount {
			idx = rateBucketCount - 1
		}

		return int(idx)
	}

	truncated := false

	for {
		r, nextErr := reader.Next()
		if nextErr != nil {
			if errors.Is(nextErr, io.EOF) {
				break
			}

			truncated = true

			break
		}

		if !buildBuckets {
			continue
		}

		idx := bucketIndex(r.AllocTimestamp)
		out.rate[idx].Allocations++
		out.rate[idx].BytesAlloc += r.Size

		netBytes[idx] += int64(r.Size)
		netCount[idx]++

		if !r.Live() {
			dIdx := bucketIndex(r.DeallocTimestamp)
			netBytes[dIdx] -= int64(r.Size)
			netCount[dIdx]--
		}
	}

	if !truncated && !reader.FooterValid() {
		truncated = true
	}

	if buildBuckets {
		var liveBytes, liveCount int64

		for i := range out.rate {
			liveBytes += netBytes[i]
			liveCount += netCount[i]

			if liveBytes > int64(out.peakBytes) {
				out.peakBytes = uint64(liveBytes)
			}

			if liveCount > int64(out.peakCount) {
				out.peakCount = uint64(liveCount)
			}
		}
	}

	return out, truncated, nil
}

func sortTypeHistogram(entries []typeHistogramEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].TotalBytes > entries[j-1].TotalBytes; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
