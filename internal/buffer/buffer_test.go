package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasberry/tracking/internal/detection"
)

func batch(source string, seq uint64, n int) detection.Batch {
	b := detection.Batch{Source: source, Header: detection.Header{Seq: seq}}
	for i := 0; i < n; i++ {
		b.Detections = append(b.Detections, detection.Detection{Tag: fmt.Sprintf("%s-%d-%d", source, seq, i)})
	}
	return b
}

func TestBuffer_LastWriterWinsPerSource(t *testing.T) {
	t.Parallel()
	b := New()

	assert.False(t, b.Put(batch("cam", 1, 1)))
	assert.True(t, b.Put(batch("cam", 2, 2)))
	assert.False(t, b.Put(batch("lidar", 7, 1)))
	assert.Equal(t, 2, b.Pending())

	got := b.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "cam", got[0].Source)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, 2, got[0].Len())
	assert.Equal(t, "lidar", got[1].Source)

	assert.Equal(t, Stats{Written: 3, Drained: 2, Overwritten: 1}, b.Stats())
}

func TestBuffer_DrainEmpties(t *testing.T) {
	t.Parallel()
	b := New()
	assert.Nil(t, b.Drain())

	b.Put(batch("cam", 1, 1))
	require.Len(t, b.Drain(), 1)
	assert.Nil(t, b.Drain())
	assert.Equal(t, 0, b.Pending())
}

func TestBuffer_Clear(t *testing.T) {
	t.Parallel()
	b := New()
	b.Put(batch("cam", 1, 1))
	b.Put(batch("cam", 2, 1))

	b.Clear()
	assert.Equal(t, 0, b.Pending())
	assert.Nil(t, b.Drain())
	assert.Equal(t, Stats{}, b.Stats())
}

// Each drained batch must be exactly one producer's write, never a mix.
func TestBuffer_ConcurrentWritersNeverCorrupt(t *testing.T) {
	t.Parallel()
	b := New()

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	done := make(chan struct{})
	stopped := make(chan struct{})
	var drained []detection.Batch

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
			}
			drained = append(drained, b.Drain()...)
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			src := fmt.Sprintf("src%d", w)
			for i := 0; i < perWriter; i++ {
				b.Put(batch(src, uint64(i), 3))
			}
		}(w)
	}
	wg.Wait()
	close(done)
	<-stopped

	drained = append(drained, b.Drain()...)

	for _, got := range drained {
		require.Len(t, got.Detections, 3)
		for i, d := range got.Detections {
			assert.Equal(t, fmt.Sprintf("%s-%d-%d", got.Source, got.Seq, i), d.Tag)
		}
	}

	s := b.Stats()
	assert.Equal(t, uint64(writers*perWriter), s.Written)
	assert.Equal(t, s.Written, s.Drained+s.Overwritten)
}
