//go:build linux

package ss

import (
	"os"
	"syscall"
)

// atimeOf extracts the access time from a stat result on Linux.
func atimeOf(st os.FileInfo) int64 {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return sys.Atim.Sec
	}
	return st.ModTime().Unix()
}
