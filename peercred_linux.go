//go:build linux

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerLabel names the process at the other end of nc. Unix sockets report
// the peer's credentials as captured by the kernel at connect time.
func peerLabel(nc net.Conn) string {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return addrLabel(nc)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return addrLabel(nc)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return addrLabel(nc)
	}
	return fmt.Sprintf("pid=%d uid=%d", cred.Pid, cred.Uid)
}
