//go:build linux

package iomgr

import (
	c "driftio/internal"
	"driftio/internal/util"
	"path/filepath"

	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash"
	"github.com/lmittmann/tint"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

func tempfile(t *testing.T) string {
	dir := t.TempDir()
	return filepath.Join(dir, fmt.Sprintf("drifttest%016x.drift", rand.Uint64()))
}

// Opens an O_DIRECT fd or skips the test when the filesystem refuses
// (tmpfs and most CI overlays).
func directFd(t *testing.T) int {
	fd, err := unix.Open(tempfile(t), F_OPEN_MODE, F_OPEN_PERM)
	if err != nil {
		t.Skipf("O_DIRECT open not supported here: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func Test_Env_O_DIRECT_And_Mmap_Align(t *testing.T) {
	pageSize := os.Getpagesize()
	t.Log("Pagesize", pageSize)
	path := "odirect_probe.tmp"

	f, err := os.OpenFile(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT, F_OPEN_PERM)
	if err != nil {
		t.Skipf("O_DIRECT open not supported: %v (likely tmpfs or virtualized FS)", err)
		return
	}
	defer os.Remove(path)
	defer f.Close()

	buf, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	defer unix.Munmap(buf)

	n, err := unix.Pwrite(int(f.Fd()), buf, 0)
	if err != nil {
		t.Errorf("O_DIRECT write failed even with aligned memory: %v", err)
		t.Logf("This confirms the filesystem/environment rejects Direct I/O.")
	} else if n != pageSize {
		t.Errorf("Short write: expected %d, got %d", pageSize, n)
	} else {
		t.Log("O_DIRECT is fully supported and aligned.")
	}
}

func Test_Iomgr_Multi_Worker_Roundtrip(t *testing.T) {
	const WORKERS = 2
	const OPS_PER_WORKER = 2
	const PAGE = int(c.ALIGN_MEM)
	const BUFSIZE = PAGE * WORKERS * OPS_PER_WORKER

	slab, err := AllocSlab(BUFSIZE * 2)
	if err != nil {
		t.Fatal(err)
	}
	defer DeallocSlab(slab)

	fd := directFd(t)

	mgr, err := CreateIoMgr()
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	util.FillPattern(slab[:BUFSIZE], 0xb0b)

	ops := make([]Op, WORKERS)

	var wg sync.WaitGroup

	const WORKER_BUF_LEN = BUFSIZE / WORKERS

	for wIndex := range WORKERS {
		wg.Add(1)

		go func(w int) {
			workerBase := WORKER_BUF_LEN * w
			op := &ops[w]

			for opi := range OPS_PER_WORKER {
				opBase := workerBase + PAGE * opi
				op.PrepareSlice(OpWrite, fd, slab[opBase:opBase+PAGE], uint64(opBase))
				mgr.Submit(op)
				<- op.Ch
				if res := atomic.LoadInt32(&op.Res); res != int32(PAGE) {
					t.Errorf("write res: %d", res)
				}
			}

			wg.Done()
		}(wIndex)
	}

	wg.Wait()

	for wIndex := range WORKERS {
		wg.Add(1)

		go func(w int) {
			workerBase := WORKER_BUF_LEN * w
			op := &ops[w]
			for opi := range OPS_PER_WORKER {
				opBase := workerBase + PAGE * opi
				readAt := BUFSIZE + opBase
				op.PrepareSlice(OpRead, fd, slab[readAt:readAt+PAGE], uint64(opBase))
				mgr.Submit(op)
				<- op.Ch
				if res := atomic.LoadInt32(&op.Res); res != int32(PAGE) {
					t.Errorf("read res: %d", res)
				}
			}

			wg.Done()
		}(wIndex)
	}

	wg.Wait()

	if xxhash.Sum64(slab[:BUFSIZE]) != xxhash.Sum64(slab[BUFSIZE:]) {
		t.Fatal(
			"read-back data didnt match",
			"\nheads:\n", slab[:16], "\n", slab[BUFSIZE:BUFSIZE+16],
		)
	}
}

func Test_Iomgr_Vectored_Chain(t *testing.T) {
	const PAGE = int(c.ALIGN_MEM)
	const SEGS = 4

	slab, err := AllocSlab(PAGE * SEGS * 2)
	if err != nil {
		t.Fatal(err)
	}
	defer DeallocSlab(slab)

	fd := directFd(t)

	mgr, err := CreateIoMgr()
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	util.FillPattern(slab[:PAGE*SEGS], 0xfee1)

	var op Op
	op.Prepare(OpWrite, fd)
	for i := range SEGS {
		op.AddSeg(slab[PAGE*i:PAGE*(i+1)], uint64(PAGE*i))
	}
	mgr.Submit(&op)
	<- op.Ch
	if res := atomic.LoadInt32(&op.Res); res != int32(PAGE*SEGS) {
		t.Fatalf("vectored write should sum segment results, got %d", res)
	}

	op.Prepare(OpRead, fd)
	for i := range SEGS {
		base := PAGE*SEGS + PAGE*i
		op.AddSeg(slab[base:base+PAGE], uint64(PAGE*i))
	}
	mgr.Submit(&op)
	<- op.Ch
	if res := atomic.LoadInt32(&op.Res); res != int32(PAGE*SEGS) {
		t.Fatalf("vectored read res: %d", res)
	}

	if xxhash.Sum64(slab[:PAGE*SEGS]) != xxhash.Sum64(slab[PAGE*SEGS:]) {
		t.Fatal("vectored read-back didnt match")
	}
}

// A read chain that starts past EOF should finish with 0 bytes, and a chain
// that runs off the end of the file should fold its ECANCELED tail into the
// short total rather than reporting a failure.
func Test_Iomgr_Short_Chain(t *testing.T) {
	const PAGE = int(c.ALIGN_MEM)

	slab, err := AllocSlab(PAGE * 4)
	if err != nil {
		t.Fatal(err)
	}
	defer DeallocSlab(slab)

	fd := directFd(t)

	mgr, err := CreateIoMgr()
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	// one page of real data
	util.FillPattern(slab[:PAGE], 1)
	var op Op
	op.PrepareSlice(OpWrite, fd, slab[:PAGE], 0)
	mgr.Submit(&op)
	<- op.Ch

	// two-segment read: first lands, second is past EOF
	op.Prepare(OpRead, fd)
	op.AddSeg(slab[PAGE:PAGE*2], 0)
	op.AddSeg(slab[PAGE*2:PAGE*3], uint64(PAGE))
	mgr.Submit(&op)
	<- op.Ch

	res := atomic.LoadInt32(&op.Res)
	if res < 0 {
		t.Fatalf("short chain reported failure: %v", unix.Errno(-res))
	}
	if res != int32(PAGE) {
		t.Fatalf("expected short total %d, got %d", PAGE, res)
	}
}
