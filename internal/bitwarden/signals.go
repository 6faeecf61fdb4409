package bitwarden

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var defaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// signalGuard routes termination signals to a handler while a session is live.
// restore puts the process back to the dispositions it had before install.
type signalGuard struct {
	ch      chan os.Signal
	done    chan struct{}
	ignored []os.Signal
	once    sync.Once
}

func installSignalGuard(signals []os.Signal, handler func(os.Signal)) *signalGuard {
	g := &signalGuard{
		ch:   make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	for _, sig := range signals {
		if signal.Ignored(sig) {
			g.ignored = append(g.ignored, sig)
		}
	}
	signal.Notify(g.ch, signals...)

	go func() {
		select {
		case sig := <-g.ch:
			handler(sig)
		case <-g.done:
		}
	}()
	return g
}

func (g *signalGuard) restore() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		signal.Stop(g.ch)
		close(g.done)
		if len(g.ignored) > 0 {
			signal.Ignore(g.ignored...)
		}
	})
}
