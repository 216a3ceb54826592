package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	c "driftio/internal"
	"driftio/internal/file"
	"driftio/internal/iomgr"
	"driftio/internal/util"

	"github.com/lmittmann/tint"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	})))

	slog.Info("driftio")

	path := filepath.Join(os.TempDir(), "driftio.demo")
	f, err := file.Open(path, file.Options{})
	if err != nil {
		slog.Error("open failed (O_DIRECT unsupported here?)", "err", err)
		os.Exit(1)
	}
	defer os.Remove(path)

	slab, err := iomgr.AllocSlab(int(c.ALIGN_MEM) * 2)
	if err != nil {
		slog.Error("slab alloc failed", "err", err)
		os.Exit(1)
	}
	defer iomgr.DeallocSlab(slab)

	page := int(c.ALIGN_MEM)
	util.FillPattern(slab[:page], uint64(time.Now().UnixNano()))

	n, err := f.WriteDMA(0, slab[:page]).Wait()
	if err != nil {
		slog.Error("write failed", "err", err)
		os.Exit(1)
	}
	sz, _ := f.Size().Wait()
	slog.Info("wrote", "bytes", n, "size", sz)

	n, err = f.ReadDMA(0, slab[page:]).Wait()
	if err != nil {
		slog.Error("read failed", "err", err)
		os.Exit(1)
	}
	slog.Info("read back", "bytes", n)

	if _, err := f.Close().Wait(); err != nil {
		slog.Error("close failed", "err", err)
		os.Exit(1)
	}
	slog.Info("done")
}
