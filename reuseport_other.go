// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package turnrelay

import "syscall"

func reuseControl(string, string, syscall.RawConn) error {
	return nil
}
