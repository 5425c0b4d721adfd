// Package statemachine sequences one inbox through its lifecycle:
// authorize or register, then Ready, then stop or delete. All state
// mutation happens on a single action loop fed by a FIFO queue, so no
// transition can race another regardless of who enqueues.
package statemachine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"aim-chat/inbox-engine/internal/backend"
	"aim-chat/inbox-engine/internal/contracts"
	"aim-chat/inbox-engine/internal/events"
	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/internal/storage"
	"aim-chat/inbox-engine/internal/transport"
	"aim-chat/inbox-engine/pkg/models"
)

var ErrMachineClosed = errors.New("state machine is closed")

type actionKind string

const (
	actAuthorize actionKind = "authorize"
	actRegister  actionKind = "register"
	actStop      actionKind = "stop"
	actDelete    actionKind = "delete_and_stop"
)

type action struct {
	kind        actionKind
	displayName string
}

// RuntimeFactory starts the per-episode runtime (sync, invites,
// observers) and returns its stop func. The default factory lives in
// runtime.go; tests inject their own.
type RuntimeFactory func(ctx context.Context, result ReadyResult) (stop func())

type Config struct {
	Log      *slog.Logger
	Dialer   transport.Dialer
	API      BackendAPI
	Store    *storage.Store
	Keystore *identity.Keystore
	Hub      *events.Hub
	Runtime  RuntimeFactory
}

type Machine struct {
	log      *slog.Logger
	dialer   transport.Dialer
	api      BackendAPI
	store    *storage.Store
	keystore *identity.Keystore
	hub      *events.Hub
	runtime  RuntimeFactory

	actions chan action

	mu        sync.Mutex
	state     State
	observers map[int]chan State
	nextObs   int
	closed    bool

	episodeStop func()

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

type tableKey struct {
	from Kind
	act  actionKind
}

func New(cfg Config) *Machine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		log:       log,
		dialer:    cfg.Dialer,
		api:       cfg.API,
		store:     cfg.Store,
		keystore:  cfg.Keystore,
		hub:       cfg.Hub,
		runtime:   cfg.Runtime,
		actions:   make(chan action, 16),
		state:     State{Kind: Uninitialized},
		observers: make(map[int]chan State),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the action loop. The machine is unusable before Start
// and after Close.
func (m *Machine) Start(ctx context.Context) {
	m.loopCtx, m.loopCancel = context.WithCancel(ctx)
	go m.loop()
}

// Close cancels the loop and every child task. A stopped machine stays
// in whatever state it was in; use Stop for an orderly shutdown first.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	if m.loopCancel != nil {
		m.loopCancel()
		<-m.loopDone
	}
}

func (m *Machine) Authorize() {
	m.enqueue(action{kind: actAuthorize})
}

func (m *Machine) Register(displayName string) {
	m.enqueue(action{kind: actRegister, displayName: displayName})
}

func (m *Machine) Stop() {
	m.enqueue(action{kind: actStop})
}

func (m *Machine) DeleteAndStop() {
	m.enqueue(action{kind: actDelete})
}

func (m *Machine) enqueue(act action) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.actions <- act:
	default:
		m.log.Warn("action queue full, dropping action", "action", string(act.kind))
	}
}

// CurrentState returns a snapshot of the machine state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe delivers the current state immediately, then every change,
// until cancel is called or the machine stops observers.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObs
	m.nextObs++
	ch := make(chan State, 16)
	ch <- m.state
	m.observers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if obs, ok := m.observers[id]; ok {
			close(obs)
			delete(m.observers, id)
		}
	}
	return ch, cancel
}

// loop is the single serialization point: one action at a time, run to
// completion before the next is dequeued.
func (m *Machine) loop() {
	defer close(m.loopDone)
	table := m.transitionTable()
	for {
		select {
		case <-m.loopCtx.Done():
			m.stopEpisode(m.CurrentState().Ready)
			return
		case act := <-m.actions:
			from := m.CurrentState().Kind
			handler, ok := table[tableKey{from: from, act: act.kind}]
			if !ok {
				m.log.Warn("illegal transition dropped",
					"from", string(from),
					"action", string(act.kind),
				)
				continue
			}
			handler(act)
		}
	}
}

// transitionTable encodes the legal (state, action) pairs as data.
// Anything absent is illegal and dropped with a warning.
func (m *Machine) transitionTable() map[tableKey]func(action) {
	return map[tableKey]func(action){
		{Uninitialized, actAuthorize}: m.handleAuthorize,
		{Failed, actAuthorize}:        m.handleAuthorize,
		{Uninitialized, actRegister}:  m.handleRegister,
		{Failed, actRegister}:         m.handleRegister,
		{Ready, actStop}:              m.handleStop,
		{Failed, actStop}:             m.handleStop,
		{Ready, actDelete}:            m.handleDelete,
	}
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	m.state = next
	for id, obs := range m.observers {
		select {
		case obs <- next:
		default:
			close(obs)
			delete(m.observers, id)
		}
	}
	m.mu.Unlock()
}

// handleAuthorize builds the transport client from the cached identity
// first and falls back to creating the inbox on the network, avoiding a
// registration round trip for a known identity.
func (m *Machine) handleAuthorize(action) {
	ctx := m.loopCtx
	m.setState(State{Kind: Initializing})

	id, err := m.loadOrCreateIdentity()
	if err != nil {
		m.fail(contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err))
		return
	}

	m.setState(State{Kind: Authorizing})
	client, err := m.dialer.Build(ctx, id)
	if err != nil {
		m.log.Info("cached-identity build failed, creating inbox", "reason", err.Error())
	}
	if client == nil {
		client, err = m.dialer.Create(ctx, id)
		if err != nil {
			m.fail(contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err))
			return
		}
	}

	if err := m.api.Authenticate(ctx, id.InboxID, client.InstallationID()); err != nil {
		_ = client.Close()
		m.fail(err)
		return
	}
	m.enterReady(ReadyResult{Identity: id, Client: client, API: m.api})
}

// handleRegister creates the inbox remotely and the backend user record
// before entering Ready. A display-name collision surfaces as Error and
// must be retried by the caller.
func (m *Machine) handleRegister(act action) {
	ctx := m.loopCtx
	m.setState(State{Kind: Initializing})

	id, err := m.loadOrCreateIdentity()
	if err != nil {
		m.fail(contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err))
		return
	}

	m.setState(State{Kind: Authorizing})
	client, err := m.dialer.Create(ctx, id)
	if err != nil {
		m.fail(contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err))
		return
	}
	if err := m.api.Authenticate(ctx, id.InboxID, client.InstallationID()); err != nil {
		_ = client.Close()
		m.fail(err)
		return
	}

	m.setState(State{Kind: Registering})
	err = m.api.CreateUser(ctx, models.User{
		InboxID:     id.InboxID,
		DisplayName: act.displayName,
	})
	if err != nil {
		_ = client.Close()
		m.fail(err)
		return
	}
	m.enterReady(ReadyResult{Identity: id, Client: client, API: m.api})
}

func (m *Machine) handleStop(action) {
	prior := m.CurrentState()
	m.setState(State{Kind: Stopping})
	m.stopEpisode(prior.Ready)
	m.clearObservers()
	m.setState(State{Kind: Uninitialized})
}

// handleDelete unregisters the backend installation first, then wipes
// local data and the keystore, then stops.
func (m *Machine) handleDelete(action) {
	ctx := m.loopCtx
	prior := m.CurrentState()
	m.setState(State{Kind: Deleting})

	if prior.Ready != nil {
		installationID := prior.Ready.Client.InstallationID()
		if err := m.api.UnregisterInstallation(ctx, installationID); err != nil {
			m.log.Warn("installation unregister failed", "reason", err.Error())
		}
	}
	if m.store != nil {
		if err := m.store.DeleteInboxData(ctx); err != nil {
			m.log.Warn("local data delete failed", "reason", err.Error())
		}
	}
	if m.keystore != nil {
		if err := m.keystore.Wipe(); err != nil {
			m.log.Warn("keystore wipe failed", "reason", err.Error())
		}
	}

	m.stopEpisode(prior.Ready)
	m.clearObservers()
	m.setState(State{Kind: Uninitialized})
}

func (m *Machine) enterReady(result ReadyResult) {
	// Any runtime from a previous episode is torn down before the new
	// one starts, so no observer handles events twice.
	m.stopEpisode(m.CurrentState().Ready)

	if m.runtime != nil {
		episodeCtx, cancel := context.WithCancel(m.loopCtx)
		stop := m.runtime(episodeCtx, result)
		m.episodeStop = func() {
			cancel()
			if stop != nil {
				stop()
			}
		}
	}

	m.refreshOwnProfile(result)
	m.registerPushToken(result)
	m.setState(State{Kind: Ready, Ready: &result})
	m.log.Info("inbox ready", "inbox_id", result.Identity.InboxID)
}

// refreshOwnProfile pulls the backend user record for the local inbox
// into the profile store on every entry to Ready. A missing record is
// normal for an identity that authorized without ever registering.
func (m *Machine) refreshOwnProfile(result ReadyResult) {
	user, err := m.api.GetUser(m.loopCtx, result.Identity.InboxID)
	if err != nil {
		if !errors.Is(err, backend.ErrUserNotFound) {
			m.log.Warn("own profile refresh failed", "reason", err.Error())
		}
		return
	}
	if m.store == nil {
		return
	}
	profile := models.MemberProfile{
		InboxID:     user.InboxID,
		DisplayName: user.DisplayName,
	}
	if err := m.store.UpsertMemberProfiles(m.loopCtx, []models.MemberProfile{profile}); err != nil {
		m.log.Warn("own profile persist failed", "reason", err.Error())
	}
}

// registerPushToken re-registers a locally stored device token on every
// entry to Ready; app-foreground events repeat it opportunistically to
// cover token rotation.
func (m *Machine) registerPushToken(result ReadyResult) {
	if m.store == nil {
		return
	}
	token, err := m.store.DeviceToken(m.loopCtx)
	if err != nil || token == "" {
		return
	}
	if err := m.api.RegisterPushToken(m.loopCtx, result.Client.InstallationID(), token); err != nil {
		m.log.Warn("push token registration failed", "reason", err.Error())
	}
}

func (m *Machine) stopEpisode(prior *ReadyResult) {
	if m.episodeStop != nil {
		m.episodeStop()
		m.episodeStop = nil
	}
	if prior != nil {
		_ = prior.Client.Close()
	}
}

func (m *Machine) clearObservers() {
	m.mu.Lock()
	for id, obs := range m.observers {
		close(obs)
		delete(m.observers, id)
	}
	m.mu.Unlock()
}

func (m *Machine) fail(cause error) {
	m.log.Warn("inbox lifecycle action failed", "reason", cause.Error())
	m.setState(State{Kind: Failed, Cause: cause})
}

// loadOrCreateIdentity restores the identity from the keystore when one
// exists; otherwise it generates a fresh one and persists it.
func (m *Machine) loadOrCreateIdentity() (*identity.Identity, error) {
	if m.keystore != nil {
		id, err := m.keystore.Load()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, identity.ErrKeystoreNotFound) {
			return nil, err
		}
	}
	id, _, err := identity.New("", "")
	if err != nil {
		return nil, err
	}
	if m.keystore != nil {
		if err := m.keystore.Save(id); err != nil {
			return nil, err
		}
	}
	return id, nil
}
