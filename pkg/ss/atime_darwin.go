//go:build darwin

package ss

import (
	"os"
	"syscall"
)

// atimeOf extracts the access time from a stat result on macOS.
func atimeOf(st os.FileInfo) int64 {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return sys.Atimespec.Sec
	}
	return st.ModTime().Unix()
}
