//go:build !linux

package cache

import (
	"io/fs"
	"time"
)

// accessTime falls back to the write time where atime is not read
func accessTime(_ string, info fs.FileInfo) time.Time {
	return info.ModTime()
}
