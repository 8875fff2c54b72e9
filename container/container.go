package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/ruteri/octagon-trust/trustgraph"
	"go.uber.org/atomic"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("container closed")

type task struct {
	name  string
	gen   uint64
	reset bool
	ctx   context.Context
	fn    func(ctx context.Context) error
	done  chan error
}

// Container is the local materialization of one account's trust graph.
type Container struct {
	cfg  Config
	key  interfaces.ContainerKey
	feed *feed.Retrying
	log  *slog.Logger

	tasks     chan *task
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	gen      atomic.Uint64
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	holdMu sync.Mutex
	hold   chan struct{}

	// owned by the worker goroutine
	running    uint64
	meta       metadata
	model      *trustgraph.Model
	keys       *peer.Keys
	eval       *trustgraph.Evaluation
	lastUpdate *interfaces.PolicyUpdate
}

// New loads the container's persisted state and starts its task queue.
func New(ctx context.Context, cfg Config) (*Container, error) {
	if cfg.Feed == nil {
		return nil, errors.New("container requires a change feed")
	}
	if cfg.Keys == nil {
		return nil, errors.New("container requires a key source")
	}
	if cfg.Key.AccountID == "" {
		return nil, interfaces.NewError(interfaces.CodeInvalidArgument, "container requires an account id")
	}
	if cfg.Key.ContextID == "" {
		cfg.Key.ContextID = interfaces.DefaultContextID
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewBuiltinCache(cfg.Log)
	}

	log := cfg.Log.With(slog.String("container", cfg.Key.String()))
	c := &Container{
		cfg:     cfg,
		key:     cfg.Key,
		feed:    feed.NewRetrying(cfg.Feed, cfg.Retry, log),
		log:     log,
		tasks:   make(chan *task),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		model:   trustgraph.NewModel(log),
	}

	if err := c.loadMetadata(ctx); err != nil {
		return nil, err
	}
	if c.meta.Prepared != nil {
		if err := c.loadKeys(); err != nil {
			return nil, err
		}
		c.refreshEvaluation(ctx)
	}

	go c.run()
	return c, nil
}

// Key returns the (account, context) the container serves.
func (c *Container) Key() interfaces.ContainerKey {
	return c.key
}

// Close stops the task queue. Operations already running complete first.
func (c *Container) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.stopped
}

func (c *Container) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			return
		case t := <-c.tasks:
			t.done <- c.execute(t)
		}
	}
}

func (c *Container) execute(t *task) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if !t.reset && t.gen != c.gen.Load() {
		return c.superseded(t.name)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()

	c.running = t.gen
	err := t.fn(ctx)

	c.cancelMu.Lock()
	c.cancel = nil
	c.cancelMu.Unlock()

	if !t.reset && t.gen != c.gen.Load() {
		if err != nil {
			c.log.Debug("superseded operation failed", slog.String("op", t.name), "err", err)
		}
		return c.superseded(t.name)
	}
	return err
}

func (c *Container) superseded(op string) error {
	return interfaces.NewError(interfaces.CodeOperationSuperseded, "%s superseded by a reset", op)
}

// current reports whether the running operation may still commit.
func (c *Container) current() error {
	if c.running != c.gen.Load() {
		return interfaces.ErrOperationSuperseded
	}
	return nil
}

func (c *Container) submit(ctx context.Context, t *task) error {
	t.ctx = ctx
	t.done = make(chan error, 1)

	select {
	case c.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}

	return <-t.done
}

// do runs fn on the task queue.
func (c *Container) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.submit(ctx, &task{name: name, gen: c.gen.Load(), fn: fn})
}

// supersede invalidates every queued and running operation and runs fn
// ahead of any operation submitted later.
func (c *Container) supersede(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	gen := c.gen.Inc()

	c.cancelMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancelMu.Unlock()

	return c.submit(ctx, &task{name: name, gen: gen, reset: true, fn: fn})
}

// Hold stalls FetchChanges until the returned function is called. Holds do
// not nest: the first release lets fetches through.
func (c *Container) Hold() (release func()) {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()

	if c.hold == nil {
		c.hold = make(chan struct{})
	}
	ch := c.hold

	var once sync.Once
	return func() {
		once.Do(func() {
			c.holdMu.Lock()
			defer c.holdMu.Unlock()
			if c.hold == ch {
				close(ch)
				c.hold = nil
			}
		})
	}
}

func (c *Container) waitHold(ctx context.Context) error {
	c.holdMu.Lock()
	ch := c.hold
	c.holdMu.Unlock()

	if ch == nil {
		return nil
	}

	c.log.Debug("fetch waiting for hold release")
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Container) loadKeys() error {
	keys, err := c.cfg.Keys.PeerKeys(c.key, c.meta.Nonce)
	if err != nil {
		return fmt.Errorf("could not derive peer keys: %w", err)
	}
	if c.meta.Prepared != nil && keys.PeerID() != c.meta.Prepared.PeerID {
		return fmt.Errorf("derived peer %s does not match prepared identity %s", keys.PeerID().Short(), c.meta.Prepared.PeerID.Short())
	}
	c.keys = keys
	return nil
}

func (c *Container) self() interfaces.PeerID {
	if c.meta.Prepared == nil {
		return ""
	}
	return c.meta.Prepared.PeerID
}

func (c *Container) selfState() (*trustgraph.PeerState, bool) {
	if c.meta.Prepared == nil {
		return nil, false
	}
	return c.model.Peer(c.meta.Prepared.PeerID)
}

func (c *Container) allowedMachineIDs(ctx context.Context) map[string]bool {
	if c.cfg.Devices == nil {
		return nil
	}
	ids, err := c.cfg.Devices.AllowedMachineIDs(ctx, c.key.AccountID)
	if err != nil {
		c.log.Warn("device list unavailable, not restricting machine ids", "err", err)
		return nil
	}
	return ids
}

func (c *Container) evaluate(ctx context.Context, m *trustgraph.Model, opts trustgraph.Options) (*trustgraph.Evaluation, error) {
	opts.AllowedMachineIDs = c.allowedMachineIDs(ctx)
	return m.Evaluate(c.self(), c.cfg.Policies, opts)
}

func (c *Container) refreshEvaluation(ctx context.Context) {
	c.eval = nil
	if _, ok := c.selfState(); !ok {
		return
	}
	eval, err := c.evaluate(ctx, c.model, trustgraph.Options{})
	if err != nil {
		c.log.Warn("could not evaluate trust", "err", err)
		return
	}
	c.eval = eval
}

func (c *Container) trusted() bool {
	return c.eval != nil && !c.eval.SelfExcluded && c.eval.Includes(c.self())
}

func (c *Container) requireTrusted() error {
	if c.meta.Prepared == nil {
		return interfaces.ErrNotPrepared
	}
	if _, ok := c.selfState(); !ok {
		return interfaces.NewError(interfaces.CodeNotTrusted, "%s is not a member of %s", c.self().Short(), c.key)
	}
	if !c.trusted() {
		return interfaces.NewError(interfaces.CodeNotTrusted, "%s is not trusted", c.self().Short())
	}
	return nil
}

// requireWriter rejects operations that would originate trust on a peer
// that may only consume it.
func (c *Container) requireWriter(op string) error {
	if c.cfg.LimitedPeer {
		return interfaces.NewError(interfaces.CodeOperationUnavailableOnLimitedPeer, "%s is unavailable on a limited peer", op)
	}
	if c.meta.Inherited {
		return interfaces.NewError(interfaces.CodeOperationUnavailableOnLimitedPeer, "%s is unavailable on an inherited account", op)
	}
	return nil
}
