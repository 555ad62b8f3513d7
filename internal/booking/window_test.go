package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/gym-sniper/internal/portal"
)

func TestOpensAt(t *testing.T) {
	start := time.Date(2025, 2, 11, 9, 15, 0, 0, time.UTC)
	assert.True(t, time.Date(2025, 2, 4, 7, 15, 0, 0, time.UTC).Equal(OpensAt(start)))
}

func TestOpensAtAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	// Clocks go forward on 2025-03-30; the window opens before the change.
	start := time.Date(2025, 4, 2, 9, 0, 0, 0, loc)
	opens := OpensAt(start)

	assert.Equal(t, Offset, start.Sub(opens))
	assert.True(t, time.Date(2025, 3, 26, 6, 0, 0, 0, loc).Equal(opens), "opens at %s", opens)
	assert.Equal(t, 6, opens.In(loc).Hour())
}

func TestIsOpen(t *testing.T) {
	start := time.Date(2025, 2, 11, 9, 15, 0, 0, time.UTC)
	opens := OpensAt(start)
	class := portal.ClassInstance{ID: 1, StartTime: start, Status: portal.StatusBookable}

	assert.False(t, IsOpen(class, opens.Add(-time.Second)))
	assert.True(t, IsOpen(class, opens))
	assert.True(t, IsOpen(class, start.Add(-time.Second)))
	assert.False(t, IsOpen(class, start))

	class.Status = portal.StatusUnavailable
	assert.False(t, IsOpen(class, opens))

	class.Status = "SomethingNew"
	assert.False(t, IsOpen(class, opens))

	class.Status = portal.StatusAwaitable
	assert.True(t, IsOpen(class, opens))
}

func TestCalculatorCustomOffset(t *testing.T) {
	c := Calculator{Offset: 48 * time.Hour}
	start := time.Date(2025, 2, 11, 9, 15, 0, 0, time.UTC)
	assert.True(t, time.Date(2025, 2, 9, 9, 15, 0, 0, time.UTC).Equal(c.OpensAt(start)))
	assert.Equal(t, OpensAt(start), Calculator{}.OpensAt(start))
}
