package hostinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	domain "github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// Inspector baca resource host untuk registrasi node.
type Inspector struct {
	// DataDir is where task checkouts live; its free space is reported.
	DataDir string
}

func New(dataDir string) *Inspector {
	return &Inspector{DataDir: dataDir}
}

func (i *Inspector) Inspect(ctx context.Context) (domain.NodeInfo, error) {
	info := domain.NodeInfo{CPUs: runtime.NumCPU()}
	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("memory stats: %w", err)
	}
	info.MemTotal = vm.Total
	info.MemAvailable = vm.Available

	dir := i.DataDir
	if dir == "" {
		dir = os.TempDir()
	}
	du, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return info, fmt.Errorf("disk stats %s: %w", dir, err)
	}
	info.DiskFree = du.Free
	return info, nil
}
