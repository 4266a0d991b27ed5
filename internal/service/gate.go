package service

import "sync/atomic"

// Gate is the process-wide accepting-new-work flag. Shutdown flips it off
// first so intake rejects before the consumer and publisher wind down.
type Gate struct {
	closed atomic.Bool
}

func (g *Gate) Shut() {
	g.closed.Store(true)
}

func (g *Gate) Accepting() bool {
	return !g.closed.Load()
}
