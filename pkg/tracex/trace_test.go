package tracex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ooni/minirfb/internal/access"
	"github.com/ooni/minirfb/internal/auth"
	"github.com/ooni/minirfb/internal/handshake"
	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/rfbtest"
	"github.com/ooni/minirfb/pkg/config"
)

func Test_maybeAddTagsFromData(t *testing.T) {
	tests := []struct {
		name         string
		stage        model.ProtocolState
		data         []byte
		expectedTags []string
	}{
		{
			name:         "Empty data",
			stage:        model.Protocol,
			data:         []byte{},
			expectedTags: []string{},
		},
		{
			name:         "Version line",
			stage:        model.Disconnected,
			data:         []byte("RFB 003.008\n"),
			expectedTags: []string{"protocol_version"},
		},
		{
			name:         "Security type",
			stage:        model.SecurityInit,
			data:         []byte{40},
			expectedTags: []string{"security_type_40"},
		},
		{
			name:         "Auth OK",
			stage:        model.Authenticating,
			data:         []byte{0, 0, 0, 0},
			expectedTags: []string{"auth_ok"},
		},
		{
			name:         "Client init",
			stage:        model.FramebufferInit,
			data:         []byte{1},
			expectedTags: []string{"client_init"},
		},
		{
			name:         "Server init",
			stage:        model.FramebufferInit,
			data:         make([]byte, 30),
			expectedTags: []string{"server_init"},
		},
		{
			name:         "No tag matching",
			stage:        model.Authenticating,
			data:         []byte{0, 0, 0, 8, 0, 0, 0, 0},
			expectedTags: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &Event{Tags: []string{}}
			maybeAddTagsFromData(event, tt.stage, tt.data)
			if diff := cmp.Diff(tt.expectedTags, event.Tags); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestTracer(t *testing.T) {
	tracer := NewTracerWithTransactionID(time.Now(), 7)
	logger := model.NewTestLogger()
	cfg := config.NewConfig(config.WithLogger(logger), config.WithHandshakeTracer(tracer))

	accessManager := access.NewManager(logger, access.Config{DefaultAction: access.ActionAllow})
	defer accessManager.Close()
	client := model.NewClient(model.NewClientID(), "127.0.0.1")
	proto := handshake.New(cfg, client, &rfbtest.Recorder{}, handshake.Options{
		Authenticator:    auth.NewManager(logger, auth.None{}),
		AccessController: accessManager,
		Inbox:            make(chan *model.Notification, 1),
		SessionID:        "session-a",
	})
	proto.SetServerInit([]byte("server init"))
	proto.Start()
	proto.Feed([]byte("RFB 003.008\n"))
	proto.Feed([]byte{handshake.SecTypeVeyon})
	proto.Feed(rfbtest.ChooseAuthType(model.AuthTypeNone, ""))
	proto.Feed([]byte{1})
	proto.Pump()
	if proto.State() != model.Running {
		t.Fatalf("unexpected state %s", proto.State())
	}

	tracer.OnStateChange("session-b", model.Protocol)

	t.Run("events are grouped by session", func(t *testing.T) {
		if len(tracer.Trace()) != len(tracer.Session("session-a"))+1 {
			t.Fatal("unexpected number of events")
		}
		if len(tracer.Session("session-b")) != 1 {
			t.Fatal("expected a single event for session-b")
		}
	})

	t.Run("state changes follow the handshake", func(t *testing.T) {
		got := []string{}
		for _, e := range tracer.Session("session-a") {
			if e.EventType == "state" {
				got = append(got, e.Stage)
			}
		}
		want := []string{}
		for _, st := range []model.ProtocolState{
			model.Protocol, model.SecurityInit, model.AuthenticationTypes,
			model.AccessControl, model.FramebufferInit, model.Running,
		} {
			want = append(want, st.String())
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the last event marks the handshake as done", func(t *testing.T) {
		events := tracer.Session("session-a")
		last := events[len(events)-1]
		if last.EventType != "done" || last.RemoteAddr != "127.0.0.1" || last.TransactionID != 7 {
			t.Fatalf("unexpected event %+v", last)
		}
	})

	t.Run("events serialize to JSON", func(t *testing.T) {
		data, err := json.Marshal(tracer.Session("session-a"))
		if err != nil {
			t.Fatal(err)
		}
		var decoded []map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatal(err)
		}
		var sawVersion bool
		for _, e := range decoded {
			if e["operation"] != "data_in" {
				continue
			}
			tags := e["tags"].([]any)
			if len(tags) == 1 && tags[0] == "protocol_version" {
				sawVersion = true
				if e["data"].(map[string]any)["size"] != float64(12) {
					t.Fatalf("unexpected data %v", e["data"])
				}
			}
		}
		if !sawVersion {
			t.Fatal("expected to see the client version line")
		}
	})
}
