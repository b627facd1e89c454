//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package tieredmq

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/foxcpp/tieredmq/framework/hooks"
	"github.com/foxcpp/tieredmq/framework/log"
)

// handleSignals blocks until a termination signal (SIGTERM, SIGHUP, SIGINT)
// arrives and returns it. SIGUSR1 reopens log files; SIGUSR2 runs the
// reload hook; neither causes this function to return.
func handleSignals() os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch s := <-sig; s {
		case syscall.SIGUSR1:
			log.Printf("signal received (%s), rotating logs", s.String())
			hooks.RunHooks(hooks.EventLogRotate)
		case syscall.SIGUSR2:
			log.Printf("signal received (%s), reloading state", s.String())
			hooks.RunHooks(hooks.EventReload)
		default:
			go func() {
				s := handleSignals()
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return s
		}
	}
}
