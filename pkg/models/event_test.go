package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockOrdering(t *testing.T) {
	c1 := NewClock(1700000000, 42, 1)
	c2 := NewClock(1700000000, 42, 2)

	tick, err := c2.Tick()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tick)

	assert.True(t, c2.After(c1))
	assert.False(t, c1.After(c2))
	assert.False(t, c1.After(c1))
	assert.True(t, c1.After(""))

	other := NewClock(1700000001, 43, 0)
	assert.True(t, other.After(c2), "a different service instance is treated as later")
}

func TestClockMalformed(t *testing.T) {
	_, err := Clock("nope").Tick()
	assert.Error(t, err)
}

func TestBatchPaths(t *testing.T) {
	b := ChangeBatch{Files: []ChangeEvent{
		NewChangeEvent(ChangeKindModified, "src/App.res"),
		NewChangeEvent(ChangeKindDeleted, "src/Old.res"),
	}}
	assert.Equal(t, []string{"src/App.res", "src/Old.res"}, b.Paths())
	assert.False(t, b.IsEmpty())
	assert.False(t, b.Files[1].Exists)
	assert.True(t, b.Files[1].IsDelete())
}

func TestBuildRecordLifecycle(t *testing.T) {
	r := NewBuildRecord(true)
	assert.NotEmpty(t, r.ID)

	r.Fail("compile", errors.New("Compilation failed"))
	assert.False(t, r.Succeeded())
	assert.Equal(t, "compile", r.FailedStage)
	assert.Equal(t, "Compilation failed", r.Error)

	ok := NewBuildRecord(false)
	ok.Succeed(1234)
	assert.True(t, ok.Succeeded())
	assert.Equal(t, int64(1234), ok.Stamp)
}
