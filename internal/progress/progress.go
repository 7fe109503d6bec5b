package progress

import "io"

// Bucket maps a percentage onto a reporting bucket of width step. Reaching 100% always lands
// in a bucket of its own so completion is reported even when 100 is not a multiple of step.
func Bucket(percent, step int) int {
	if step <= 0 {
		step = 1
	}

	if percent >= 100 {
		return 100/step + 1
	}

	if percent < 0 {
		return 0
	}

	return percent / step
}

// Reader wraps an io.Reader and reports the cumulative byte count every interval bytes.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	read       int64
	sinceLast  int64
	onProgress func(read, total int64)
}

func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n <= 0 {
		return n, err
	}

	pr.read += int64(n)
	pr.sinceLast += int64(n)

	if pr.sinceLast >= pr.interval || (pr.total > 0 && pr.read >= pr.total) {
		if pr.onProgress != nil {
			pr.onProgress(pr.read, pr.total)
		}

		pr.sinceLast = 0
	}

	return n, err
}

// BytesRead returns how many bytes have passed through the reader.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
