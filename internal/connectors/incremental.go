package connectors

import (
	"os"
)

// incrementalSlackMS is the coarse-filesystem slack subtracted from since_ts
// before comparing against a file's mtime.
const incrementalSlackMS = 1000

// ModifiedSince reports whether path should be treated as a candidate for
// re-scan: its mtime is >= sinceTS-1000ms, or sinceTS is nil (full scan).
// Any I/O error while statting the file defaults to "process it" rather
// than silently skipping a possibly-changed file.
func ModifiedSince(path string, sinceTS *int64) bool {
	if sinceTS == nil {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	mtimeMS := info.ModTime().UnixMilli()
	return mtimeMS >= *sinceTS-incrementalSlackMS
}
