package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanString trims all leading and trailing whitespace in `s` and optionally lowers it.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		return strings.ToLower(s)
	}
	return s
}

// Getwd returns the project root, i.e. the closest parent directory holding a go.mod file.
// go-test changes the working directory to the package being tested, so os.Getwd alone is not enough.
// Falls back to the working directory when no go.mod is found (e.g. installed binaries).
func Getwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	currDir := wd
	for {
		if fi, err := os.Stat(filepath.Join(currDir, "go.mod")); err == nil && !fi.IsDir() {
			return currDir
		}
		newDir := filepath.Dir(currDir)
		if newDir == string(os.PathSeparator) || newDir == currDir {
			return wd
		}
		currDir = newDir
	}
}

// NowMillis returns the current time as milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// MillisToTime converts milliseconds since the Unix epoch to a UTC time.
func MillisToTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
