// +build !windows

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// interrupt blocks until the process is asked to stop. SIGUSR1 toggles debug
// logging.
func interrupt(cancel <-chan struct{}) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(c)
	level := logrus.GetLevel()
	for {
		select {
		case sig := <-c:
			if sig == syscall.SIGUSR1 {
				if logrus.GetLevel() == logrus.DebugLevel {
					logrus.SetLevel(level)
				} else {
					logrus.SetLevel(logrus.DebugLevel)
				}
				continue
			}
			return fmt.Errorf("received signal %s", sig)
		case <-cancel:
			return errors.New("canceled")
		}
	}
}
