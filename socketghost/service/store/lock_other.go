//go:build !unix

package store

import "os"

// Without flock only the in-process mutex serializes access.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
