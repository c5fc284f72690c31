package progress

import (
	"io"
	"time"
)

// Func receives coalesced progress reports: cumulative bytes read, the total
// if the server declared one (-1 otherwise), and the instantaneous rate in
// bytes per second since the previous report.
type Func func(written, total int64, rate float64)

// Reader wraps an io.Reader and reports progress via a callback. Reports are
// coalesced by byte interval so observers are not called per chunk.
type Reader struct {
	reader         io.Reader
	total          int64
	onProgress     Func
	reportInterval int64

	totalRead  int64 // cumulative total
	lastReport int64 // bytes since last report
	lastTime   time.Time
}

func NewReader(r io.Reader, total int64, interval int64, cb Func) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
		lastTime:       time.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval && pr.onProgress != nil {
			now := time.Now()

			rate := 0.0
			if elapsed := now.Sub(pr.lastTime).Seconds(); elapsed > 0 {
				rate = float64(pr.lastReport) / elapsed
			}

			pr.onProgress(pr.totalRead, pr.total, rate)
			pr.lastReport = 0
			pr.lastTime = now
		}
	}

	return n, err
}

// BytesRead is the cumulative number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}
