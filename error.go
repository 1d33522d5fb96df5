package netreactor

import "errors"

var errUnsupportedSockaddr = errors.New("unsupported socket address family")
var errShortWakeup = errors.New("short wakeup transfer")
