//go:build !linux && !darwin

package ss

import "os"

// atimeOf falls back to the modification time on platforms where the stat
// access time is not portably available.
func atimeOf(st os.FileInfo) int64 {
	return st.ModTime().Unix()
}
