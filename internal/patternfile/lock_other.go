//go:build !unix

package patternfile

import "os"

// Advisory locking is unix-only; elsewhere writes rely on the atomic rename.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
