// Package access implements the access control arbiter deciding whether
// an authenticated client may start a session.
//
// A single [Manager] is shared by every connection. Decisions come from an
// ordered list of rules; the "ask" action defers to an [Approver], typically
// a prompt shown to the person sitting at the computer. Only one prompt is
// active at a time: clients queued behind it are Waiting, the client whose
// prompt is shown is Pending.
//
// Each registered client gets exactly one [model.Notification] on the inbox
// passed to [Manager.AddClient], once the decision is final. The manager
// never blocks on an inbox and never mutates the caller's [model.Client].
package access

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/workers"
)

// ErrNoApprover means a rule asks for approval but nobody can answer.
var ErrNoApprover = errors.New("access: no approver configured")

// Choice is the answer of an [Approver].
type Choice int

const (
	// ChoiceNo denies this connection.
	ChoiceNo = Choice(iota)

	// ChoiceYes grants this connection.
	ChoiceYes

	// ChoiceAlways grants this and any later connection of the same user and host.
	ChoiceAlways

	// ChoiceNever denies this and any later connection of the same user and host.
	ChoiceNever
)

// String implements fmt.Stringer
func (c Choice) String() string {
	switch c {
	case ChoiceNo:
		return "no"
	case ChoiceYes:
		return "yes"
	case ChoiceAlways:
		return "always"
	case ChoiceNever:
		return "never"
	default:
		return "invalid"
	}
}

// State maps the choice to the resulting access control state.
func (c Choice) State() model.AccessControlState {
	switch c {
	case ChoiceYes, ChoiceAlways:
		return model.AccessControlSuccessful
	default:
		return model.AccessControlFailed
	}
}

// Request describes the client an [Approver] is asked about.
type Request struct {
	ClientID    model.ClientID
	Username    string
	HostAddress string
	AuthType    model.AuthType
}

// Approver takes interactive access decisions. Approve may block until the
// context is done, in which case it should return the context error.
type Approver interface {
	Approve(ctx context.Context, req Request) (Choice, error)
}

// ApproverFunc adapts a function to the [Approver] interface.
type ApproverFunc func(ctx context.Context, req Request) (Choice, error)

// Approve implements Approver.
func (fn ApproverFunc) Approve(ctx context.Context, req Request) (Choice, error) {
	return fn(ctx, req)
}

// Config configures a [Manager].
type Config struct {
	// Rules are evaluated in order; the first match wins.
	Rules []Rule

	// DefaultAction applies when no rule matches.
	DefaultAction Action

	// Approver answers the [ActionAsk] decisions. If nil, asking denies.
	Approver Approver

	// PromptTimeout bounds each approval prompt. Zero means no timeout.
	PromptTimeout time.Duration
}

type entry struct {
	state  model.AccessControlState
	inbox  chan<- *model.Notification
	cancel context.CancelFunc
}

type rememberKey struct {
	username string
	host     string
}

// Manager is the access control arbiter. The zero value is invalid; use
// [NewManager]. This struct is concurrency safe.
type Manager struct {
	cfg            Config
	logger         model.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	mu             sync.Mutex
	clients        map[model.ClientID]*entry
	remembered     map[rememberKey]bool
	prompt         *semaphore.Weighted
	workersManager *workers.Manager
}

// NewManager creates a [Manager]. Call [Manager.Close] to release it.
func NewManager(logger model.Logger, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:            cfg,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		mu:             sync.Mutex{},
		clients:        make(map[model.ClientID]*entry),
		remembered:     make(map[rememberKey]bool),
		prompt:         semaphore.NewWeighted(1),
		workersManager: workers.NewManager(logger),
	}
}

// AddClient registers the client and returns its access control state.
// Registering an already registered client returns its current state
// without side effects. The final decision is delivered to inbox, which
// should have room for one notification.
func (m *Manager) AddClient(client *model.Client, inbox chan<- *model.Notification) model.AccessControlState {
	defer m.mu.Unlock()
	m.mu.Lock()

	if e, found := m.clients[client.ID]; found {
		return e.state
	}

	req := Request{
		ClientID:    client.ID,
		Username:    client.Username,
		HostAddress: client.HostAddress,
		AuthType:    client.AuthType.UnwrapOr(model.AuthTypeNone),
	}
	e := &entry{state: model.AccessControlInit, inbox: inbox}
	m.clients[client.ID] = e

	action := m.decideLocked(req)
	m.logger.Infof("access: client %d (%s@%s): %s", req.ClientID, req.Username, req.HostAddress, action)

	switch action {
	case ActionAllow:
		m.finishLocked(req.ClientID, e, model.AccessControlSuccessful)

	case ActionAsk:
		if m.cfg.Approver == nil {
			m.logger.Warnf("access: client %d: %s", req.ClientID, ErrNoApprover.Error())
			m.finishLocked(req.ClientID, e, model.AccessControlFailed)
			break
		}
		acquired := m.prompt.TryAcquire(1)
		if acquired {
			e.state = model.AccessControlPending
		} else {
			e.state = model.AccessControlWaiting
		}
		ctx, cancel := context.WithCancel(m.ctx)
		e.cancel = cancel
		m.workersManager.StartWorker(func() {
			m.approvalWorker(ctx, req, acquired)
		})

	default:
		m.finishLocked(req.ClientID, e, model.AccessControlFailed)
	}
	return e.state
}

// RemoveClient forgets a client, abandoning any decision in progress.
func (m *Manager) RemoveClient(id model.ClientID) {
	defer m.mu.Unlock()
	m.mu.Lock()
	e, found := m.clients[id]
	if !found {
		return
	}
	delete(m.clients, id)
	if e.cancel != nil {
		e.cancel()
	}
}

// State returns the state of a registered client, or
// [model.AccessControlInit] for an unknown one.
func (m *Manager) State(id model.ClientID) model.AccessControlState {
	defer m.mu.Unlock()
	m.mu.Lock()
	if e, found := m.clients[id]; found {
		return e.state
	}
	return model.AccessControlInit
}

// Close abandons all pending decisions and waits for the workers to exit.
func (m *Manager) Close() error {
	m.workersManager.StartShutdown()
	m.cancel()
	m.workersManager.WaitWorkersShutdown()
	return nil
}

func (m *Manager) decideLocked(req Request) Action {
	if allow, found := m.remembered[newRememberKey(req)]; found {
		if allow {
			return ActionAllow
		}
		return ActionDeny
	}
	return evaluate(m.cfg.Rules, m.cfg.DefaultAction, req.Username, req.HostAddress)
}

// approvalWorker waits for its turn to prompt, prompts and finishes.
func (m *Manager) approvalWorker(ctx context.Context, req Request, acquired bool) {
	workerName := "access: approvalWorker"
	defer m.workersManager.OnWorkerDone(workerName)

	if !acquired {
		// POSSIBLY BLOCK until the prompt in front of us is done
		if err := m.prompt.Acquire(ctx, 1); err != nil {
			m.logger.Debugf("%s: client %d: %s", workerName, req.ClientID, err.Error())
			m.finish(req.ClientID, model.AccessControlFailed)
			return
		}
		m.setState(req.ClientID, model.AccessControlPending)
	}

	state := m.ask(ctx, req)

	// the next client may prompt before we deliver the result
	m.prompt.Release(1)
	m.finish(req.ClientID, state)
}

// ask runs a single prompt. The caller must hold the prompt semaphore.
func (m *Manager) ask(ctx context.Context, req Request) model.AccessControlState {
	// a previous prompt may have answered for this user and host already
	if state, found := m.rememberedState(req); found {
		return state
	}

	if m.cfg.PromptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.PromptTimeout)
		defer cancel()
	}

	// POSSIBLY BLOCK on the approver
	choice, err := m.cfg.Approver.Approve(ctx, req)
	if err != nil {
		m.logger.Warnf("access: client %d: approver: %s", req.ClientID, err.Error())
		return model.AccessControlFailed
	}
	m.logger.Infof("access: client %d (%s@%s): approver said %s", req.ClientID, req.Username, req.HostAddress, choice)
	m.remember(req, choice)
	return choice.State()
}

func (m *Manager) setState(id model.ClientID, state model.AccessControlState) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if e, found := m.clients[id]; found && !e.state.IsFinal() {
		e.state = state
	}
}

func (m *Manager) finish(id model.ClientID, state model.AccessControlState) {
	defer m.mu.Unlock()
	m.mu.Lock()
	e, found := m.clients[id]
	if !found {
		return
	}
	m.finishLocked(id, e, state)
}

// finishLocked records the final state and notifies the client once.
func (m *Manager) finishLocked(id model.ClientID, e *entry, state model.AccessControlState) {
	if e.state.IsFinal() {
		return
	}
	e.state = state
	select {
	case e.inbox <- &model.Notification{ClientID: id, State: state}:
	default:
		m.logger.Warnf("access: client %d: inbox full, dropping notification", id)
	}
}

func newRememberKey(req Request) rememberKey {
	return rememberKey{username: strings.ToLower(req.Username), host: req.HostAddress}
}

func (m *Manager) remember(req Request, choice Choice) {
	defer m.mu.Unlock()
	m.mu.Lock()
	switch choice {
	case ChoiceAlways:
		m.remembered[newRememberKey(req)] = true
	case ChoiceNever:
		m.remembered[newRememberKey(req)] = false
	}
}

func (m *Manager) rememberedState(req Request) (model.AccessControlState, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	allow, found := m.remembered[newRememberKey(req)]
	if !found {
		return model.AccessControlInit, false
	}
	if allow {
		return model.AccessControlSuccessful, true
	}
	return model.AccessControlFailed, true
}
