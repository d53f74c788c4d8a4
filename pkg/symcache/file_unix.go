//go:build unix

package symcache

import (
	"golang.org/x/sys/unix"
)

func init() {
	mapFile = func(fd int, length int) ([]byte, error) {
		return unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_SHARED)
	}
	unmapFile = unix.Munmap
}
