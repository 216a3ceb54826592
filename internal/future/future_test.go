package future_test

import (
	"driftio/internal/future"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Future_Resolve(t *testing.T) {
	fut, pr := future.Make[int]()
	assert.False(t, fut.Ready())

	go pr.Resolve(42)

	val, err := fut.Wait()
	assert.NoError(t, err)
	assert.Equal(t, val, 42)

	// repeat waits return the cached outcome
	val, err = fut.Wait()
	assert.NoError(t, err)
	assert.Equal(t, val, 42)
	assert.True(t, fut.Ready())
}

func Test_Future_Fail(t *testing.T) {
	fut, pr := future.Make[int]()
	boom := fmt.Errorf("boom")
	pr.Fail(boom)

	_, err := fut.Wait()
	assert.ErrorIs(t, err, boom)
}

func Test_Future_Immediate(t *testing.T) {
	fut := future.Resolved(uint64(7))
	assert.True(t, fut.Ready())
	val, err := fut.Wait()
	assert.NoError(t, err)
	assert.Equal(t, val, uint64(7))

	boom := fmt.Errorf("boom")
	_, err = future.Failed[int](boom).Wait()
	assert.ErrorIs(t, err, boom)
}
