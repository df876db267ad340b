package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// waitDrain holds the process for d after readiness flips so upstream
// balancers notice. A second SIGINT or SIGTERM cuts the wait short.
func waitDrain(ctx context.Context, L log.Logger, d time.Duration) {
	L.Info(ctx, "draining before shutdown", "drain_seconds", int(d.Seconds()))

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		L.Info(ctx, "drain complete")
	case <-again:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

type stopStep struct {
	name string
	fn   func(context.Context) error
}

// stopSequence runs shutdown steps in registration order. Each step gets an
// equal slice of the total budget; a failed step is logged and the rest
// still run.
type stopSequence struct {
	steps []stopStep
}

func (s *stopSequence) add(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	s.steps = append(s.steps, stopStep{name: name, fn: fn})
}

func (s *stopSequence) run(ctx context.Context, L log.Logger, budget time.Duration) {
	if len(s.steps) == 0 {
		return
	}
	slice := budget / time.Duration(len(s.steps))

	overall, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, st := range s.steps {
		sctx, scancel := context.WithTimeout(overall, slice)
		start := time.Now()
		err := st.fn(sctx)
		scancel()
		if err != nil {
			L.Error(ctx, err, "shutdown step failed", "step", st.name)
			continue
		}
		L.Info(ctx, "shutdown step done", "step", st.name, "took", time.Since(start).String())
	}
}
