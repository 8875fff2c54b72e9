package octagon

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/metrics"
)

type State int

const (
	StateNoAccount State = iota
	StateUntrusted
	StateReady
	StateInherited
)

func (s State) String() string {
	switch s {
	case StateNoAccount:
		return "NoAccount"
	case StateUntrusted:
		return "Untrusted"
	case StateReady:
		return "Ready"
	case StateInherited:
		return "Inherited"
	}
	return "Unknown"
}

var ErrNoAccount = errors.New("no account is signed in")

type Config struct {
	// Registry owns the containers. The machine uses the container of the
	// signed-in account in ContextID.
	Registry  *container.Registry
	ContextID string

	// Consumer receives a PolicyUpdate on every change of policy or role.
	Consumer interfaces.KeyShareConsumer

	Log *slog.Logger
}

// Machine is the per-context trust state machine. Its methods are safe for
// concurrent use; the container serializes the trust operations themselves.
type Machine struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	state   State
	key     interfaces.ContainerKey
	c       *container.Container
	changed chan struct{}
	sent    *interfaces.PolicyUpdate
}

func New(cfg Config) (*Machine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("octagon requires a container registry")
	}
	if cfg.ContextID == "" {
		cfg.ContextID = interfaces.DefaultContextID
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Machine{
		cfg:     cfg,
		log:     cfg.Log.With(slog.String("context", cfg.ContextID)),
		state:   StateNoAccount,
		changed: make(chan struct{}),
	}, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Container returns the signed-in account's container, for operations the
// machine does not wrap, such as Vouch or SetRecoveryKey.
func (m *Machine) Container() (*container.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil, ErrNoAccount
	}
	return m.c, nil
}

// WaitForState blocks until the machine is in one of states.
func (m *Machine) WaitForState(ctx context.Context, states ...State) (State, error) {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		if slices.Contains(states, state) {
			return state, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// setState must be called with mu held.
func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Info("octagon state changed", slog.String("from", m.state.String()), slog.String("to", s.String()))
	metrics.StateTransitionsTotal.WithLabelValues(s.String()).Inc()

	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// AccountAvailable attaches the machine to an account and moves it to
// Untrusted, or straight to Ready or Inherited when the container already
// holds a trusted identity.
func (m *Machine) AccountAvailable(ctx context.Context, account interfaces.AccountID) error {
	key := interfaces.ContainerKey{AccountID: account, ContextID: m.cfg.ContextID}

	m.mu.Lock()
	if m.c != nil && m.key != key {
		m.mu.Unlock()
		return interfaces.NewError(interfaces.CodeInvalidArgument, "account %s is already signed in", m.key.AccountID)
	}
	m.mu.Unlock()

	c, err := m.cfg.Registry.GetOrCreate(ctx, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.key = key
	m.c = c
	m.mu.Unlock()

	return m.refresh(ctx)
}

// AccountSignedOut drops the local state of the account, including the
// inherited flag, and returns to NoAccount. The consumer is told that no
// views are accessible any more.
func (m *Machine) AccountSignedOut(ctx context.Context) error {
	m.mu.Lock()
	c, key := m.c, m.key
	m.mu.Unlock()

	if c != nil {
		if err := c.Forget(ctx); err != nil && !errors.Is(err, container.ErrClosed) {
			return err
		}
		m.cfg.Registry.Remove(key)
	}

	m.mu.Lock()
	m.c = nil
	m.key = interfaces.ContainerKey{}
	m.setState(StateNoAccount)
	m.mu.Unlock()

	m.propagate(interfaces.PolicyUpdate{})
	return nil
}

// Prepare creates the local identity ahead of a join.
func (m *Machine) Prepare(ctx context.Context, req container.PrepareRequest) (*container.Prepared, error) {
	c, err := m.Container()
	if err != nil {
		return nil, err
	}
	return c.Prepare(ctx, req)
}

// Establish creates the account's trust graph with the local device as its
// only member. The identity is prepared first if needed.
func (m *Machine) Establish(ctx context.Context, req container.PrepareRequest) error {
	c, err := m.untrusted()
	if err != nil {
		return err
	}
	if err := m.ensurePrepared(ctx, c, req); err != nil {
		return err
	}
	if err := c.Establish(ctx); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// ResetAndEstablish discards the account's trust graph and establishes a
// new one with a fresh identity.
func (m *Machine) ResetAndEstablish(ctx context.Context, req container.PrepareRequest) error {
	c, err := m.Container()
	if err != nil {
		return err
	}

	if err := c.Reset(ctx); err != nil {
		return err
	}
	if err := m.refresh(ctx); err != nil {
		return err
	}

	if _, err := c.Prepare(ctx, req); err != nil {
		return err
	}
	if err := c.Establish(ctx); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// Reset discards the account's trust graph and returns to Untrusted.
func (m *Machine) Reset(ctx context.Context) error {
	c, err := m.Container()
	if err != nil {
		return err
	}
	if err := c.Reset(ctx); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// Join submits the prepared identity with a sponsor's voucher.
func (m *Machine) Join(ctx context.Context, req container.JoinRequest) error {
	c, err := m.untrusted()
	if err != nil {
		return err
	}
	if _, err := c.Join(ctx, req); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// JoinWithRecoveryKey joins the account using its recovery key.
func (m *Machine) JoinWithRecoveryKey(ctx context.Context, req container.PrepareRequest, recoveryKey string) error {
	c, err := m.untrusted()
	if err != nil {
		return err
	}
	if err := m.ensurePrepared(ctx, c, req); err != nil {
		return err
	}
	if _, err := c.JoinWithRecoveryKey(ctx, recoveryKey); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// JoinWithCustodianRecoveryKey joins the account using a custodian's key.
func (m *Machine) JoinWithCustodianRecoveryKey(ctx context.Context, req container.PrepareRequest, w *credential.WrappedCredential) error {
	c, err := m.untrusted()
	if err != nil {
		return err
	}
	if err := m.ensurePrepared(ctx, c, req); err != nil {
		return err
	}
	if _, err := c.JoinWithCustodianRecoveryKey(ctx, w); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// JoinWithInheritanceKey joins the account read-only and moves to
// Inherited.
func (m *Machine) JoinWithInheritanceKey(ctx context.Context, req container.PrepareRequest, w *credential.WrappedCredential) error {
	c, err := m.untrusted()
	if err != nil {
		return err
	}
	if err := m.ensurePrepared(ctx, c, req); err != nil {
		return err
	}
	if _, err := c.JoinWithInheritanceKey(ctx, w); err != nil {
		return err
	}
	return m.refresh(ctx)
}

// Fetch pulls the change feed. A fetch that finds the local peer excluded
// moves the machine to Untrusted. Fetch blocks while the container is held.
func (m *Machine) Fetch(ctx context.Context) (*container.SyncResult, error) {
	c, err := m.Container()
	if err != nil {
		return nil, err
	}
	res, err := c.FetchChanges(ctx)
	if err != nil {
		return nil, err
	}
	return res, m.refresh(ctx)
}

// Hold stalls fetches, and so every transition that depends on fresh data,
// until the returned function is called.
func (m *Machine) Hold() (release func(), err error) {
	c, err := m.Container()
	if err != nil {
		return nil, err
	}
	return c.Hold(), nil
}

func (m *Machine) untrusted() (*container.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.c == nil:
		return nil, ErrNoAccount
	case m.state != StateUntrusted:
		return nil, interfaces.NewError(interfaces.CodeAlreadyEstablished, "device is already a member (%s)", m.state)
	}
	return m.c, nil
}

func (m *Machine) ensurePrepared(ctx context.Context, c *container.Container, req container.PrepareRequest) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if status.Prepared {
		return nil
	}
	_, err = c.Prepare(ctx, req)
	return err
}

// refresh recomputes the state from the container and forwards the current
// policy to the consumer.
func (m *Machine) refresh(ctx context.Context) error {
	m.mu.Lock()
	c := m.c
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	update, ok, err := c.PolicyUpdate(ctx)
	if err != nil {
		return err
	}

	next := StateUntrusted
	switch {
	case status.Trusted && status.Inherited:
		next = StateInherited
	case status.Trusted:
		next = StateReady
	}
	if status.SelfExcluded {
		m.log.Warn("local peer excluded from the trust graph", slog.String("peer", status.PeerID.Short()))
	}

	m.mu.Lock()
	if m.c != c {
		// signed out meanwhile
		m.mu.Unlock()
		return nil
	}
	m.setState(next)
	m.mu.Unlock()

	if !ok || next == StateUntrusted {
		update = interfaces.PolicyUpdate{Version: update.Version, IsInheritedAccount: status.Inherited}
	}
	m.propagate(update)
	return nil
}

func (m *Machine) propagate(update interfaces.PolicyUpdate) {
	if m.cfg.Consumer == nil {
		return
	}

	m.mu.Lock()
	if m.sent != nil && samePolicy(*m.sent, update) {
		m.mu.Unlock()
		return
	}
	m.sent = &update
	m.mu.Unlock()

	m.cfg.Consumer.PolicyChanged(update)
}

func samePolicy(a, b interfaces.PolicyUpdate) bool {
	return a.Version == b.Version &&
		a.IsInheritedAccount == b.IsInheritedAccount &&
		slices.Equal(a.AllowedViews, b.AllowedViews)
}
