// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package testserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
)

// ErrLoopbackDown is returned if the loopback interface is not usable for
// the echo servers.
var ErrLoopbackDown = errors.New("loopback interface is down")

// CheckHostNetwork verifies the host side the echo servers bind on.
//
// The guest reaches the servers through user-mode networking, which
// forwards to host loopback. A dead loopback fails every network gate
// with misleading guest-side timeouts, so it is checked before anything
// binds.
func CheckHostNetwork(log zerolog.Logger) error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("query loopback link: %w", err)
	}

	if link.Attrs().Flags&net.FlagUp == 0 {
		return ErrLoopbackDown
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list loopback addresses: %w", err)
	}

	if len(addrs) == 0 {
		return fmt.Errorf("%w: no IPv4 address", ErrLoopbackDown)
	}

	for _, addr := range addrs {
		log.Debug().
			Str("component", "hostnet").
			Stringer("addr", addr.IP).
			Msg("loopback address")
	}

	return nil
}
