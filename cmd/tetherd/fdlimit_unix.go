//go:build !windows

package main

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func raiseNoFileLimit() {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logrus.Warnf("[Daemon] read nofile limit failed: %v", err)
		return
	}
	soft := lim.Cur
	hard := lim.Max
	if hard == 0 || soft >= hard {
		return
	}
	target := hard
	if target > 65535 {
		target = 65535
	}
	if target <= soft {
		return
	}
	lim.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logrus.Warnf("[Daemon] raise nofile limit failed: soft=%d hard=%d err=%v", soft, hard, err)
		return
	}
	logrus.Infof("[Daemon] nofile limit raised: %d -> %d (hard=%d)", soft, target, hard)
}
