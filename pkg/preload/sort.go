package preload

import (
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
)

// FIBMAP asks the filesystem for the physical block backing a file block.
// Needs CAP_SYS_RAWIO, which the daemon has: it runs as root.
const fibmapIoctl = 1

// orderBatch re-orders the chosen prefix by the configured strategy. The
// batch arrives in ascending lnprob; NONE keeps that.
func (p *Preloader) orderBatch(batch []*model.Map) {
	switch p.conf.UserConfig.System.SortStrategy {
	case config.SortNone:
	case config.SortPath:
		sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	case config.SortInode:
		keys := p.inodeKeys(batch)
		sort.Slice(batch, func(i, j int) bool { return keys[batch[i]] < keys[batch[j]] })
	case config.SortBlock:
		keys := p.blockKeys(batch)
		sort.Slice(batch, func(i, j int) bool { return keys[batch[i]] < keys[batch[j]] })
	}
}

func (p *Preloader) inodeKeys(batch []*model.Map) map[*model.Map]uint64 {
	keys := make(map[*model.Map]uint64, len(batch))
	for _, m := range batch {
		keys[m] = p.inodeOf(m.Path)
	}
	return keys
}

func (p *Preloader) inodeOf(path string) uint64 {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return 0
	}
	return stat.Ino
}

// blockKeys resolves the physical block of byte zero for each map, caching
// the result on the map. Filesystems without FIBMAP degrade to inode order.
func (p *Preloader) blockKeys(batch []*model.Map) map[*model.Map]uint64 {
	keys := make(map[*model.Map]uint64, len(batch))
	for _, m := range batch {
		if m.Block < 0 {
			block, err := p.blockOfByteZero(m.Path)
			if err != nil {
				p.log.WithField("path", m.Path).WithError(err).Debug("fibmap failed, falling back to inode")
				block = int64(p.inodeOf(m.Path))
			}
			m.Block = block
		}
		keys[m] = uint64(m.Block)
	}
	return keys
}

func (p *Preloader) blockOfByteZero(path string) (int64, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	block := uint32(0)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), fibmapIoctl, uintptr(unsafe.Pointer(&block)))
	if errno != 0 {
		return 0, errno
	}
	return int64(block), nil
}
