package preload

import (
	"golang.org/x/sys/unix"
)

// job is the value copy a worker receives. Workers never see the model.
type job struct {
	path   string
	offset int64
	length int64
}

func (p *Preloader) startWorkers() {
	for i := 0; i < p.workers; i++ {
		go p.workerLoop()
	}
}

// dispatch enqueues without blocking the event loop; a full queue drops the
// job, counted by the caller.
func (p *Preloader) dispatch(j job) bool {
	select {
	case p.queue <- j:
		return true
	default:
		return false
	}
}

// Stop shuts the pool down. Pending jobs are abandoned; the readahead hint is
// advisory, so nothing is lost but warmth.
func (p *Preloader) Stop() {
	close(p.done)
}

func (p *Preloader) workerLoop() {
	for {
		select {
		case <-p.done:
			return
		case j := <-p.queue:
			if err := p.readahead(j); err != nil {
				p.log.WithField("path", j.path).WithError(err).Debug("readahead failed")
			}
		}
	}
}

// readahead opens the file without following a final symlink, verifies it is
// a regular file via the descriptor, clamps the request to the file size and
// issues the non-blocking kernel hint.
func (p *Preloader) readahead(j job) error {
	fd, err := unix.Open(j.path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return err
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		return unix.EINVAL
	}

	length := j.length
	if j.offset >= stat.Size {
		return nil
	}
	if j.offset+length > stat.Size {
		length = stat.Size - j.offset
	}

	_, _, errno := unix.Syscall(unix.SYS_READAHEAD, uintptr(fd), uintptr(j.offset), uintptr(length))
	if errno != 0 {
		return errno
	}
	return nil
}
