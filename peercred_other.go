//go:build !linux

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import "net"

func peerLabel(nc net.Conn) string {
	return addrLabel(nc)
}
