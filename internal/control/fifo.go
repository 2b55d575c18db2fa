package control

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// createFIFOs unlinks any stale pipe files and creates fresh named pipes at
// s2cPath and c2sPath (spec.md §4.3: "pre-existing files are unlinked").
func createFIFOs(s2cPath, c2sPath string) error {
	for _, p := range []string{s2cPath, c2sPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("control: removing stale pipe %s: %w", p, err)
		}
		if err := unix.Mkfifo(p, 0o600); err != nil {
			return fmt.Errorf("control: mkfifo %s: %w", p, err)
		}
	}
	return nil
}

// openSessionPipes opens c2s for reading and s2c for writing. Opening c2s
// blocks until a client opens its write end; opening s2c blocks until the
// client opens its read end, matching normal POSIX FIFO semantics. The wait
// is not bounded: Server.Run calls this without a timeout.
func openSessionPipes(s2cPath, c2sPath string) (c2s *os.File, s2c *os.File, err error) {
	c2s, err = os.OpenFile(c2sPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("control: open %s: %w", c2sPath, err)
	}
	s2c, err = os.OpenFile(s2cPath, os.O_WRONLY, 0)
	if err != nil {
		c2s.Close()
		return nil, nil, fmt.Errorf("control: open %s: %w", s2cPath, err)
	}
	return c2s, s2c, nil
}
