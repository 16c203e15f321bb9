package backup

import (
	"io/fs"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// bytesPerWorker is the available memory budget one volume worker is assumed
// to need; the pool shrinks on small hosts before it hits the CPU cap.
const bytesPerWorker = 2 << 30

// workerCount sizes the volume snapshot pool: one worker per 2 GiB of
// available memory, capped at the CPU core count, and never more workers
// than volumes. This is the only parallel section of a run.
func workerCount(volumes int) int {
	if volumes <= 1 {
		return 1
	}
	n := runtime.NumCPU()
	if vm, err := mem.VirtualMemory(); err == nil {
		byMem := int(vm.Available / bytesPerWorker)
		if byMem < 1 {
			byMem = 1
		}
		if byMem < n {
			n = byMem
		}
	}
	if n > volumes {
		n = volumes
	}
	if n < 1 {
		n = 1
	}
	return n
}

// volumeSize walks a volume's source directory and sums file sizes for the
// size tag. Unreadable entries are skipped; sizing is informational only.
func volumeSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
