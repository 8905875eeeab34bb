//go:build unix

package resourcelimit

import "golang.org/x/sys/unix"

func raiseFileDescriptorLimit() (uint64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, err
	}

	want := rlimit.Max
	if rlimit.Cur >= want {
		return rlimit.Cur, nil
	}

	raised := rlimit
	raised.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
		return rlimit.Cur, err
	}
	return want, nil
}
