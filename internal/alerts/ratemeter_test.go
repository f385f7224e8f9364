package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock advances manually; starts on a bucket boundary so tests are not
// sensitive to where in a bucket "now" falls.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000 / bucketMs * bucketMs)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateMeterSumsWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter()
	m.now = clock.now

	m.RecordInserts("cli-1", 10)
	clock.advance(5 * time.Second)
	m.RecordInserts("cli-1", 15)
	clock.advance(5 * time.Second)
	m.RecordInserts("cli-1", 20)

	assert.Equal(t, 45, m.InsertsPerMin("cli-1"))
}

func TestRateMeterSeriesScalesPerBucket(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter()
	m.now = clock.now

	m.RecordInserts("cli-1", 10)
	clock.advance(5 * time.Second)
	m.RecordInserts("cli-1", 15)
	clock.advance(5 * time.Second)
	m.RecordInserts("cli-1", 20)

	assert.Equal(t, []int{0, 120, 180, 240}, m.InsertsSeries("cli-1", 4))
}

func TestRateMeterSeriesLengthClamps(t *testing.T) {
	m := NewRateMeter()
	assert.Len(t, m.InsertsSeries("cli-1", 0), bucketsInWindow)
	assert.Len(t, m.InsertsSeries("cli-1", 99), bucketsInWindow)
	assert.Len(t, m.InsertsSeries("cli-1", 3), 3)
}

func TestRateMeterPrunesOldBuckets(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter()
	m.now = clock.now

	m.RecordInserts("cli-1", 100)
	clock.advance(61 * time.Second)

	assert.Equal(t, 0, m.InsertsPerMin("cli-1"))
	assert.Equal(t, []int{0, 0, 0}, m.InsertsSeries("cli-1", 3))
}

func TestRateMeterIgnoresBadInput(t *testing.T) {
	m := NewRateMeter()
	m.RecordInserts("", 5)
	m.RecordInserts("cli-1", 0)
	m.RecordInserts("cli-1", -3)

	assert.Equal(t, 0, m.InsertsPerMin("cli-1"))
}

func TestRateMeterUnknownClientReadsZero(t *testing.T) {
	m := NewRateMeter()
	assert.Equal(t, 0, m.InsertsPerMin("nobody"))
	assert.Equal(t, []int{0, 0}, m.InsertsSeries("nobody", 2))
}

func TestRateMeterIsolatesClients(t *testing.T) {
	m := NewRateMeter()
	m.RecordInserts("a", 7)
	m.RecordInserts("b", 3)

	assert.Equal(t, 7, m.InsertsPerMin("a"))
	assert.Equal(t, 3, m.InsertsPerMin("b"))
}
