// Package runtime executes a derived schedule: one worker goroutine per
// trace file, coordinated through per-worker token channels. A worker
// suspends only while draining the dependency edges of its next op; tokens
// are edge IDs into the shared edge table. Deadlocks outside traversals
// are fatal after a timeout; inside traversals they produce a backoff
// event, the schedule is rewritten and the run repeated.
package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"replay.evalgo.org/common"
	"replay.evalgo.org/schedule"
	"replay.evalgo.org/store"
	"replay.evalgo.org/trace"
)

// Config holds the runtime tunables.
type Config struct {
	// DeadlockTimeout bounds a dependency wait outside traversals;
	// expiry is a real deadlock and fatal.
	DeadlockTimeout time.Duration

	// BackoffTimeout bounds a dependency wait inside traversals, where
	// the held traverse lock may be what is wedging the schedule;
	// expiry triggers backoff instead of failure.
	BackoffTimeout time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{
		DeadlockTimeout: 10 * time.Second,
		BackoffTimeout:  2 * time.Second,
	}
}

// Replayer owns everything a replay needs: the loaded traces, the derived
// dependency graph, the store under test and the master seed store.
type Replayer struct {
	Files  []*trace.File
	Graph  *schedule.Graph
	Store  *store.Store
	Master *store.Memory
	Config Config
}

// New assembles a replayer.
func New(files []*trace.File, graph *schedule.Graph, st *store.Store,
	master *store.Memory, cfg Config) *Replayer {
	return &Replayer{
		Files:  files,
		Graph:  graph,
		Store:  st,
		Master: master,
		Config: cfg,
	}
}

// Run performs one measured replay: seed the store, execute the schedule,
// and on backoff events rewrite the wedged traversals and repeat until a
// run completes without them. Returns the wall-clock time of the last
// (complete) execution.
func (r *Replayer) Run() (time.Duration, error) {
	log := common.Logger.WithFields(logrus.Fields{
		"run": uuid.NewString()[:8],
	})
	for {
		if err := r.Store.Seed(r.Master); err != nil {
			return 0, err
		}
		elapsed, backoffs, err := r.execute(log)
		if err != nil {
			return 0, err
		}
		if len(backoffs) == 0 {
			return elapsed, nil
		}
		log.Infof("rewriting %d wedged traversal(s) and retrying", len(backoffs))
		r.rewrite(backoffs)
	}
}

// execute launches the worker fleet behind a start gate and waits it out.
// A single trace runs in-process on the calling goroutine, which keeps
// debugging simple.
func (r *Replayer) execute(log *logrus.Entry) (time.Duration, []trace.Desc, error) {
	n := len(r.Files)

	backoffCap := 0
	for _, f := range r.Files {
		for i := 1; i < len(f.Ops); i++ {
			if f.Ops[i].StartsTraverse() {
				backoffCap++
			}
		}
	}
	backoffCh := make(chan trace.Desc, backoffCap+1)

	if n == 1 {
		w := newWorker(0, r, nil, backoffCh, log)
		start := time.Now()
		err := w.run(context.Background())
		elapsed := time.Since(start)
		return elapsed, drainBackoff(backoffCh), err
	}

	// Every worker reads its own channel only and writes into every
	// other worker's. Buffering the full edge table keeps post-fires
	// from ever blocking.
	inboxes := make([]chan int, n)
	for i := range inboxes {
		inboxes[i] = make(chan int, len(r.Graph.Edges)+1)
	}
	workers := make([]*worker, n)
	for i := range workers {
		workers[i] = newWorker(i, r, inboxes, backoffCh, log)
	}

	g, ctx := errgroup.WithContext(context.Background())
	startGate := make(chan struct{})
	for _, w := range workers {
		w := w
		g.Go(func() error {
			select {
			case <-startGate:
			case <-ctx.Done():
				return ctx.Err()
			}
			return w.run(ctx)
		})
	}

	start := time.Now()
	close(startGate)
	err := g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, nil, err
	}
	return elapsed, drainBackoff(backoffCh), nil
}

func drainBackoff(ch chan trace.Desc) []trace.Desc {
	var descs []trace.Desc
	for {
		select {
		case d := <-ch:
			descs = append(descs, d)
		default:
			return descs
		}
	}
}
