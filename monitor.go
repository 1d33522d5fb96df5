package netreactor

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFileLimit lifts RLIMIT_NOFILE to at least cur/max and returns
// the limit in effect afterwards. Limits are never lowered.
func RaiseOpenFileLimit(cur, max uint64) (unix.Rlimit, error) {
	limit := unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return limit, os.NewSyscallError("getrlimit", err)
	}
	wanted := limit
	if max > wanted.Max {
		wanted.Max = max
	}
	if cur > wanted.Cur {
		wanted.Cur = min(cur, wanted.Max)
	}
	if wanted == limit {
		return limit, nil
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &wanted); err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return limit, os.NewSyscallError("setrlimit", err)
	}
	log.Info().Msgf("open files limit raised from %d/%d to %d/%d", limit.Cur, limit.Max, wanted.Cur, wanted.Max)
	return wanted, nil
}
