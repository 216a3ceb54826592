//go:build linux

package file

import (
	"sync/atomic"
	"testing"
	"time"

	c "driftio/internal"
	"driftio/internal/iomgr"
	"driftio/internal/util"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cespare/xxhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Open picks a variant from whatever backs the path; on any of them the
// public surface must round-trip.
func Test_Open_Roundtrip(t *testing.T) {
	f, err := Open(tempfile(t), Options{})
	if err != nil {
		t.Skipf("O_DIRECT open not supported here: %v", err)
	}

	const PAGE = int(c.ALIGN_MEM)
	slab, err := iomgr.AllocSlab(PAGE * 2)
	require.NoError(t, err)
	defer iomgr.DeallocSlab(slab)
	util.FillPattern(slab[:PAGE], 0xfee1)

	n, err := f.WriteDMA(0, slab[:PAGE]).Wait()
	assert.NoError(t, err)
	assert.Equal(t, n, PAGE)

	n, err = f.ReadDMA(0, slab[PAGE:]).Wait()
	assert.NoError(t, err)
	assert.Equal(t, n, PAGE)
	assert.Equal(t, xxhash.Sum64(slab[:PAGE]), xxhash.Sum64(slab[PAGE:]))

	_, err = f.Close().Wait()
	assert.NoError(t, err)
}

// Randomized mix against the admission scheduler. Every op self-reports its
// dispatch-time classification, so the two structural rules - exclusive ops
// run with nothing else in flight, size-changing ops never exceed the cap -
// are checked from inside the ops themselves while the mix runs.
func Test_Ac_Random_Mix(t *testing.T) {
	const MAX_SZ = 3
	const OPS = 0x100

	f := testAc(t, Options{MaxSizeChangingOps: MAX_SZ, FsyncIsExclusive: true})

	faker := gofakeit.New(0xd21f7)
	var inflight, szInflight, violations atomic.Int32
	done := make(chan struct{}, OPS)

	for i := 0; i < OPS; i++ {
		var op *pendingOp
		switch faker.Number(0, 5) {
		case 0, 1:
			pos := uint64(faker.Number(0, 0x40)) * 0x1000
			op = &pendingOp{code: opRead, pos: pos, n: 0x1000}
		case 2, 3, 4:
			pos := uint64(faker.Number(0, 0x40)) * 0x1000
			op = &pendingOp{code: opWrite, pos: pos, n: 0x1000}
		case 5:
			if faker.Bool() {
				n := uint64(faker.Number(0, 0x40)) * 0x1000
				op = &pendingOp{code: opTruncate, pos: n, n: n}
			} else {
				op = &pendingOp{code: opFlush}
			}
		}

		op.run = func() (int64, error) {
			cur := inflight.Add(1)
			defer inflight.Add(-1)
			if op.exclusive && cur != 1 {
				violations.Add(1)
			}
			if op.sizeChanging {
				if szInflight.Add(1) > MAX_SZ {
					violations.Add(1)
				}
				defer szInflight.Add(-1)
			}
			time.Sleep(time.Duration(faker.Number(0, 2)) * time.Millisecond)
			return int64(op.n), nil
		}
		op.finish = func(int64, error) { done <- struct{}{} }
		f.submit(op)
	}

	for i := 0; i < OPS; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatalf("mix stalled at op %d", i)
		}
	}
	assert.Equal(t, violations.Load(), int32(0))

	_, err := f.Close().Wait()
	assert.NoError(t, err)
}
