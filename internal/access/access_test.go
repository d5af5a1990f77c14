package access

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/optional"
)

func newTestClient(username, host string) *model.Client {
	c := model.NewClient(model.NewClientID(), host)
	c.Username = username
	c.AuthType = optional.Some(model.AuthTypeLogon)
	return c
}

func waitNotification(t *testing.T, inbox <-chan *model.Notification) *model.Notification {
	t.Helper()
	select {
	case n := <-inbox:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return nil
	}
}

func expectNoNotification(t *testing.T, inbox <-chan *model.Notification) {
	t.Helper()
	select {
	case n := <-inbox:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingApprover answers with the choices written to answers and
// records how many prompts were active at the same time.
type blockingApprover struct {
	answers   chan Choice
	asked     chan Request
	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func newBlockingApprover() *blockingApprover {
	return &blockingApprover{
		answers: make(chan Choice),
		asked:   make(chan Request, 16),
	}
}

func (ba *blockingApprover) Approve(ctx context.Context, req Request) (Choice, error) {
	ba.calls.Add(1)
	n := ba.active.Add(1)
	defer ba.active.Add(-1)
	for {
		old := ba.maxActive.Load()
		if n <= old || ba.maxActive.CompareAndSwap(old, n) {
			break
		}
	}
	ba.asked <- req
	select {
	case c := <-ba.answers:
		return c, nil
	case <-ctx.Done():
		return ChoiceNo, ctx.Err()
	}
}

func TestManager_ImmediateDecisions(t *testing.T) {
	cfg := Config{
		Rules: []Rule{
			{Action: ActionAllow, Users: []string{"alice"}},
			{Action: ActionDeny, Hosts: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}},
		},
		DefaultAction: ActionDeny,
	}
	tests := []struct {
		name     string
		username string
		host     string
		want     model.AccessControlState
	}{
		{"allowed by user", "Teacher", "192.168.1.1", model.AccessControlSuccessful},
		{"denied by host", "student", "192.168.1.1", model.AccessControlFailed},
		{"denied by default", "student", "10.0.0.1", model.AccessControlFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(model.NewTestLogger(), cfg)
			defer m.Close()
			c := newTestClient(tt.username, tt.host)
			inbox := make(chan *model.Notification, 1)
			if got := m.AddClient(c, inbox); got != tt.want {
				t.Fatalf("AddClient = %s, want %s", got, tt.want)
			}
			n := waitNotification(t, inbox)
			if n.ClientID != c.ID || n.State != tt.want {
				t.Errorf("unexpected notification %+v", n)
			}
		})
	}
}

func TestManager_AddClientIsIdempotent(t *testing.T) {
	approver := newBlockingApprover()
	m := NewManager(model.NewTestLogger(), Config{DefaultAction: ActionAsk, Approver: approver})
	defer m.Close()

	c := newTestClient("alice", "10.0.0.1")
	inbox := make(chan *model.Notification, 1)
	if got := m.AddClient(c, inbox); got != model.AccessControlPending {
		t.Fatalf("got %s", got)
	}
	<-approver.asked
	for i := 0; i < 10; i++ {
		if got := m.AddClient(c, inbox); got != model.AccessControlPending {
			t.Fatalf("got %s", got)
		}
	}
	approver.answers <- ChoiceYes
	n := waitNotification(t, inbox)
	if n.State != model.AccessControlSuccessful {
		t.Fatalf("got %s", n.State)
	}
	if got := m.AddClient(c, inbox); got != model.AccessControlSuccessful {
		t.Fatalf("got %s", got)
	}
	expectNoNotification(t, inbox)
	if approver.calls.Load() != 1 {
		t.Errorf("expected one prompt, got %d", approver.calls.Load())
	}
}

func TestManager_SerializesPrompts(t *testing.T) {
	approver := newBlockingApprover()
	m := NewManager(model.NewTestLogger(), Config{DefaultAction: ActionAsk, Approver: approver})
	defer m.Close()

	first := newTestClient("alice", "10.0.0.1")
	second := newTestClient("bob", "10.0.0.2")
	firstInbox := make(chan *model.Notification, 1)
	secondInbox := make(chan *model.Notification, 1)

	if got := m.AddClient(first, firstInbox); got != model.AccessControlPending {
		t.Fatalf("first: got %s", got)
	}
	if got := m.AddClient(second, secondInbox); got != model.AccessControlWaiting {
		t.Fatalf("second: got %s", got)
	}

	req := <-approver.asked
	if req.ClientID != first.ID {
		t.Fatalf("expected the first client to be asked first")
	}
	approver.answers <- ChoiceNo
	if n := waitNotification(t, firstInbox); n.State != model.AccessControlFailed {
		t.Fatalf("first: got %s", n.State)
	}

	req = <-approver.asked
	if req.ClientID != second.ID {
		t.Fatalf("expected the second client to be asked")
	}
	if got := m.State(second.ID); got != model.AccessControlPending {
		t.Fatalf("second: got %s while its prompt is shown", got)
	}
	approver.answers <- ChoiceYes
	if n := waitNotification(t, secondInbox); n.State != model.AccessControlSuccessful {
		t.Fatalf("second: got %s", n.State)
	}

	if approver.maxActive.Load() != 1 {
		t.Errorf("expected at most one active prompt, got %d", approver.maxActive.Load())
	}
}

func TestManager_RemoveClient(t *testing.T) {
	approver := newBlockingApprover()
	m := NewManager(model.NewTestLogger(), Config{DefaultAction: ActionAsk, Approver: approver})
	defer m.Close()

	first := newTestClient("alice", "10.0.0.1")
	waiting := newTestClient("bob", "10.0.0.2")
	firstInbox := make(chan *model.Notification, 1)
	waitingInbox := make(chan *model.Notification, 1)
	m.AddClient(first, firstInbox)
	<-approver.asked
	if got := m.AddClient(waiting, waitingInbox); got != model.AccessControlWaiting {
		t.Fatalf("got %s", got)
	}

	m.RemoveClient(waiting.ID)
	if got := m.State(waiting.ID); got != model.AccessControlInit {
		t.Fatalf("removed client should be unknown, got %s", got)
	}

	approver.answers <- ChoiceYes
	waitNotification(t, firstInbox)
	expectNoNotification(t, waitingInbox)
	if approver.calls.Load() != 1 {
		t.Errorf("the removed client should never be prompted")
	}
}

func TestManager_RemembersChoices(t *testing.T) {
	approver := newBlockingApprover()
	m := NewManager(model.NewTestLogger(), Config{DefaultAction: ActionAsk, Approver: approver})
	defer m.Close()

	inbox := make(chan *model.Notification, 1)
	m.AddClient(newTestClient("alice", "10.0.0.1"), inbox)
	<-approver.asked
	approver.answers <- ChoiceAlways
	waitNotification(t, inbox)

	again := newTestClient("ALICE", "10.0.0.1")
	if got := m.AddClient(again, inbox); got != model.AccessControlSuccessful {
		t.Fatalf("got %s", got)
	}
	waitNotification(t, inbox)

	other := newTestClient("alice", "10.0.0.2")
	if got := m.AddClient(other, inbox); got != model.AccessControlPending {
		t.Fatalf("a different host must be asked again, got %s", got)
	}
	<-approver.asked
	approver.answers <- ChoiceNever
	waitNotification(t, inbox)

	denied := newTestClient("alice", "10.0.0.2")
	if got := m.AddClient(denied, inbox); got != model.AccessControlFailed {
		t.Fatalf("got %s", got)
	}
}

func TestManager_PromptTimeout(t *testing.T) {
	approver := newBlockingApprover()
	m := NewManager(model.NewTestLogger(), Config{
		DefaultAction: ActionAsk,
		Approver:      approver,
		PromptTimeout: 10 * time.Millisecond,
	})
	defer m.Close()

	inbox := make(chan *model.Notification, 1)
	m.AddClient(newTestClient("alice", "10.0.0.1"), inbox)
	if n := waitNotification(t, inbox); n.State != model.AccessControlFailed {
		t.Fatalf("got %s", n.State)
	}
}

func TestManager_AskWithoutApprover(t *testing.T) {
	logger := model.NewTestLogger()
	m := NewManager(logger, Config{DefaultAction: ActionAsk})
	defer m.Close()

	inbox := make(chan *model.Notification, 1)
	if got := m.AddClient(newTestClient("alice", "10.0.0.1"), inbox); got != model.AccessControlFailed {
		t.Fatalf("got %s", got)
	}
	if !logger.Contains(ErrNoApprover.Error()) {
		t.Error("expected a warning")
	}
}

func TestManager_CloseAbandonsPrompts(t *testing.T) {
	approver := newBlockingApprover()
	m := NewManager(model.NewTestLogger(), Config{DefaultAction: ActionAsk, Approver: approver})

	inbox := make(chan *model.Notification, 1)
	m.AddClient(newTestClient("alice", "10.0.0.1"), inbox)
	<-approver.asked

	done := make(chan any)
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if n := waitNotification(t, inbox); n.State != model.AccessControlFailed {
		t.Fatalf("got %s", n.State)
	}
}

func TestRule_Matches(t *testing.T) {
	rule := &Rule{
		Action: ActionAllow,
		Users:  []string{"alice"},
		Hosts:  []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
	}
	tests := []struct {
		name     string
		username string
		host     string
		want     bool
	}{
		{"user and host match", "alice", "10.0.0.7", true},
		{"user case is ignored", "Alice", "10.0.0.7", true},
		{"wrong user", "bob", "10.0.0.7", false},
		{"wrong host", "alice", "10.0.1.7", false},
		{"unparseable host", "alice", "localhost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rule.Matches(tt.username, tt.host); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("an empty rule matches everybody", func(t *testing.T) {
		if !(&Rule{}).Matches("", "") {
			t.Error("expected a match")
		}
	})
}

func TestNewActionFromString(t *testing.T) {
	for _, action := range []Action{ActionAllow, ActionDeny, ActionAsk} {
		got, err := NewActionFromString(action.String())
		if err != nil || got != action {
			t.Errorf("%s: got %s, %v", action, got, err)
		}
	}
	if _, err := NewActionFromString("maybe"); err == nil {
		t.Error("expected an error")
	}
}
