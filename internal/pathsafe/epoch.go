package pathsafe

import (
	"io/fs"
	"time"
)

// Epoch truncates t to integer epoch seconds, the precision used on the
// wire and in all sync comparisons.
func Epoch(t time.Time) int64 {
	return t.Unix()
}

// ModEpoch returns a file's modification time at epoch-second precision.
func ModEpoch(info fs.FileInfo) int64 {
	return Epoch(info.ModTime())
}
