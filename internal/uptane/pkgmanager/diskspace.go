package pkgmanager

import "golang.org/x/sys/unix"

// diskStat is the subset of statfs(2) CheckAvailableDiskSpace needs.
type diskStat struct {
	blockSize  int64
	availBlock int64
}

func (d diskStat) AvailableBytes() int64 { return d.blockSize * d.availBlock }

// statfs fills stat with the free-space statistics of the filesystem
// containing path, used by every backend's CheckAvailableDiskSpace except
// SWUpdate's, which always reports enough space.
func statfs(path string, stat *diskStat) error {
	var buf unix.Statfs_t
	if err := unix.Statfs(path, &buf); err != nil {
		return err
	}
	stat.blockSize = int64(buf.Bsize)
	stat.availBlock = int64(buf.Bavail)
	return nil
}
