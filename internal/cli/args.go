// Package cli validates the positional arguments shared by the server and
// worker binaries.
package cli

import (
	"fmt"
	"net/netip"
)

// ExampleAddress is shown to users who typed an unusable address.
const ExampleAddress = "127.0.0.1:8000"

// UsageError is a bad command line. Entry points print it and exit with
// status 2 before touching the network.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// ParseAddress requires exactly one positional argument holding an
// ip:port address.
func ParseAddress(args []string) (netip.AddrPort, error) {
	switch {
	case len(args) == 0:
		return netip.AddrPort{}, &UsageError{Msg: "needs one argument: IP address of the server, e.g. " + ExampleAddress}
	case len(args) > 1:
		return netip.AddrPort{}, &UsageError{Msg: "too many arguments, only one is needed: IP address of the server"}
	}

	addr, err := netip.ParseAddrPort(args[0])
	if err != nil {
		return netip.AddrPort{}, &UsageError{
			Msg: fmt.Sprintf("invalid IP address: %q\nwrite it using the following format %s", args[0], ExampleAddress),
		}
	}
	return addr, nil
}
