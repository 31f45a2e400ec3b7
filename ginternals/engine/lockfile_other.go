//go:build !unix

package engine

import "os"

// flock/funlock are no-ops on platforms without an advisory region
// lock syscall reachable through golang.org/x/sys/unix; the O_EXCL
// creation of the .lock file remains the source of exclusivity there.
func flock(f *os.File) error {
	return nil
}

func funlock(f *os.File) error {
	return nil
}
