package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderCoalescesReports(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 25)

	var reports []int64

	pr := NewReader(bytes.NewReader(data), int64(len(data)), 10, func(written, total int64, rate float64) {
		reports = append(reports, written)
		assert.Equal(t, int64(25), total)
	})

	buf := make([]byte, 8)

	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	// Chunks of 8 accumulate to 16 before crossing the 10-byte interval.
	assert.Equal(t, []int64{16}, reports)
	assert.Equal(t, int64(25), pr.BytesRead())
}

func TestReaderReportsEveryIntervalCrossing(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 30)

	var reports []int64

	pr := NewReader(bytes.NewReader(data), -1, 10, func(written, total int64, rate float64) {
		reports = append(reports, written)
		assert.Equal(t, int64(-1), total)
	})

	buf := make([]byte, 10)
	for {
		if _, err := pr.Read(buf); err == io.EOF {
			break
		}
	}

	assert.Equal(t, []int64{10, 20, 30}, reports)
}

func TestReaderNilCallback(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 100)
	pr := NewReader(bytes.NewReader(data), 100, 10, nil)

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, int64(100), pr.BytesRead())
}
