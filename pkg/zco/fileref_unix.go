//go:build unix

package zco

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode number ZCO uses to detect a FileRef's backing
// file being replaced out from under it (§3.2). Constrained to unix targets
// since inode numbers are a POSIX filesystem concept, matching the scope of
// the convergence layers this stack targets (§6).
func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
