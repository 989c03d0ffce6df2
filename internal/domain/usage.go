package domain

import "time"

type UsageLog struct {
	BatchID         string
	Images          int
	FailedImages    int
	Variants        int
	PixelsProcessed int64
	BytesIn         int64
	BytesOut        int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}

// Usage summarizes a finished batch. Bytes saved only counts successful
// images and never goes negative.
func Usage(batchID string, result BatchResult, elapsed time.Duration) UsageLog {
	usage := UsageLog{
		BatchID:      batchID,
		Images:       len(result),
		FailedImages: result.FailedCount(),
		CreatedAt:    time.Now().UTC(),
	}

	for _, r := range result {
		if r.Failed() {
			continue
		}
		usage.BytesIn += r.OriginalSize
		for _, out := range r.Outputs {
			usage.Variants++
			usage.BytesOut += out.CompressedSize
			usage.PixelsProcessed += int64(out.Width) * int64(out.Height)
		}
	}

	usage.BytesSaved = usage.BytesIn - usage.BytesOut
	if usage.BytesSaved < 0 {
		usage.BytesSaved = 0
	}

	usage.ComputeTimeMS = elapsed.Milliseconds()
	if usage.ComputeTimeMS < 1 {
		usage.ComputeTimeMS = 1
	}
	return usage
}
