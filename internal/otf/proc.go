package otf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FindByWorkingDir returns the pids of processes whose working directory is
// the given root or somewhere below it. Entries that cannot be read (foreign
// users, exited processes) are skipped.
func FindByWorkingDir(root string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	self := os.Getpid()

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		cwd, err := os.Readlink(filepath.Join("/proc", entry.Name(), "cwd"))
		if err != nil {
			continue
		}
		if cwd == root || strings.HasPrefix(cwd, root+string(os.PathSeparator)) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// TerminateByWorkingDir sends SIGTERM to every process rooted in the given
// directory and returns the pids signalled.
func TerminateByWorkingDir(root string) []int {
	pids := FindByWorkingDir(root)
	for _, pid := range pids {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	return pids
}
