package encodepool

import (
	"os"
	"testing"

	"github.com/block/deltatable/pkg/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestZeroWorkerPoolRunsInline(t *testing.T) {
	p := New(0)
	defer p.Close()

	batch := []Task{
		{Tag: 0, New: []byte("hello")},
	}
	results := p.Execute(batch)
	assert.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].Blob)

	dispatched, inline := p.Stats()
	assert.Equal(t, uint64(0), dispatched)
	assert.Equal(t, uint64(1), inline)
}

func TestSingleTaskBatchRunsInlineEvenWithWorkers(t *testing.T) {
	p := New(4)
	defer p.Close()

	results := p.Execute([]Task{{Tag: 0, New: []byte("x")}})
	assert.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	dispatched, inline := p.Stats()
	assert.Equal(t, uint64(0), dispatched)
	assert.Equal(t, uint64(1), inline)
}

func TestMultiTaskBatchDispatchesToWorkers(t *testing.T) {
	p := New(4)
	defer p.Close()

	base := []byte("the quick brown fox jumps over the lazy dog")
	newV := []byte("the quick brown fox leaps over the lazy dog")
	batch := []Task{
		{Tag: 1, Base: base, New: newV},
		{Tag: 2, Base: base, New: newV},
		{Tag: 3, Base: base, New: newV},
	}
	results := p.Execute(batch)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotEmpty(t, r.Blob)
	}

	dispatched, _ := p.Stats()
	assert.Equal(t, uint64(1), dispatched)
}

func TestMultipleBatchesInSequence(t *testing.T) {
	p := New(2)
	defer p.Close()

	for i := 0; i < 10; i++ {
		results := p.Execute([]Task{
			{Tag: 1, Base: []byte("aaaa"), New: []byte("aaab")},
			{Tag: 2, Base: []byte("aaaa"), New: []byte("aaab")},
		})
		assert.Len(t, results, 2)
		for _, r := range results {
			assert.NoError(t, r.Err)
		}
	}

	dispatched, _ := p.Stats()
	assert.Equal(t, uint64(10), dispatched)
}

func TestEncodePoolMatchesInlineEncoding(t *testing.T) {
	base := []byte("row one payload")
	newV := []byte("row two payload")

	inline := New(0)
	defer inline.Close()
	parallel := New(4)
	defer parallel.Close()

	task := Task{Tag: 1, Base: base, New: newV, Entropy: config.EntropyNone}
	r1 := inline.Execute([]Task{task})
	r2 := parallel.Execute([]Task{task, task})

	assert.Equal(t, r1[0].Blob, r2[0].Blob)
	assert.Equal(t, r2[0].Blob, r2[1].Blob)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New(3)
	p.Close()
	p.Close()
}
