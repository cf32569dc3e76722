package engicom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// ============================================================================
// Identity
// ============================================================================

func TestIdentityFromToken(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"id claim", jwt.MapClaims{"id": "u1", "sub": "other"}, "u1"},
		{"userId claim", jwt.MapClaims{"userId": "u2"}, "u2"},
		{"sub fallback", jwt.MapClaims{"sub": "u3", "exp": time.Now().Add(time.Hour).Unix()}, "u3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := IdentityFromToken(signToken(t, tc.claims))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}

	for name, token := range map[string]string{
		"empty":    "",
		"garbage":  "not-a-jwt",
		"no claim": signToken(t, jwt.MapClaims{"role": "admin"}),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := IdentityFromToken(token); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// ============================================================================
// Session
// ============================================================================

type engineServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan []byte
}

func newEngineServer(t *testing.T) *engineServer {
	t.Helper()
	s := &engineServer{conns: make(chan *websocket.Conn, 4), frames: make(chan []byte, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws":
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			s.conns <- c
			for {
				_, data, err := c.Read(context.Background())
				if err != nil {
					return
				}
				s.frames <- data
			}
		case "/notifications":
			writeJSON(w, http.StatusOK, []Notification{{ID: "n1", Type: NotificationFollow, Sender: UserRef{ID: "u9"}, CreatedAt: t0}})
		case "/chats":
			writeJSON(w, http.StatusOK, []Conversation{{ID: "c1", Participants: []string{"u1", "u2"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func TestEngineSession(t *testing.T) {
	s := newEngineServer(t)
	reg := prometheus.NewRegistry()
	client := NewClient("", WithBaseURL(s.srv.URL))
	eng, err := NewEngine(client, &EngineOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	appended := make(chan CacheEvent, 4)
	eng.Cache.On(func(ev CacheEvent) {
		if ev.Kind == CacheMessageAppended {
			appended <- ev
		}
	})
	alerts := make(chan Notification, 4)
	eng.Notifications.OnAlert(func(n Notification) { alerts <- n })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := signToken(t, jwt.MapClaims{"id": "u1"})
	if err := eng.Login(ctx, token); err != nil {
		t.Fatalf("login: %v", err)
	}

	if eng.Self() != "u1" || client.Token() != token {
		t.Fatalf("expected session for u1, got %q", eng.Self())
	}
	if got := feedIDs(eng.Notifications.Feed(FilterAll)); !equalIDs(got, []string{"n1"}) {
		t.Fatalf("expected initial feed loaded, got %v", got)
	}

	var server *websocket.Conn
	select {
	case server = <-s.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push connection")
	}

	t.Run("registers presence on connect", func(t *testing.T) {
		select {
		case data := <-s.frames:
			var cmd struct {
				Type    EventKind               `json:"type"`
				Payload PresenceRegisterPayload `json:"payload"`
			}
			json.Unmarshal(data, &cmd)
			if cmd.Type != EventPresenceRegister || cmd.Payload.UserID != "u1" {
				t.Fatalf("unexpected first frame %s", data)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for presence registration")
		}
	})

	t.Run("routes pushed messages", func(t *testing.T) {
		frame, _ := json.Marshal(map[string]interface{}{
			"type": EventMessageNew,
			"payload": MessageNewPayload{
				ChatID:  "c1",
				Message: Message{ID: "m-1", SenderID: "u2", Content: "hey", CreatedAt: t0},
			},
		})
		if err := server.Write(ctx, websocket.MessageText, frame); err != nil {
			t.Fatalf("server write: %v", err)
		}

		select {
		case ev := <-appended:
			if ev.ConversationID != "c1" || ev.MessageID != "m-1" {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for cached message")
		}
		select {
		case n := <-alerts:
			if n.ConversationID != "c1" {
				t.Fatalf("unexpected alert %+v", n)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for alert")
		}
		if testutil.ToFloat64(eng.Metrics.MessagesAppended) != 1 {
			t.Fatal("expected registered metrics to count the message")
		}
	})

	t.Run("logout clears the session", func(t *testing.T) {
		eng.View.OpenConversation("c1")
		eng.Pipeline.Drafts.Set("c1", Draft{Content: "unsent"})

		eng.Logout()

		if eng.Self() != "" || eng.Realtime() != nil || client.Token() != "" {
			t.Fatal("expected identity and transport dropped")
		}
		if len(eng.Cache.Peek("c1")) != 0 || len(eng.Notifications.Feed(FilterAll)) != 0 {
			t.Fatal("expected cache and feed cleared")
		}
		if eng.View.ActiveConversation() != "" {
			t.Fatal("expected view reset")
		}
		if _, ok := eng.Pipeline.Drafts.Get("c1"); ok {
			t.Fatal("expected drafts cleared")
		}
		err := eng.Router.BroadcastMessage(ctx, Message{ID: "m-2"}, "u2")
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected after logout, got %v", err)
		}
	})
}

func TestEngineLoginErrors(t *testing.T) {
	if _, err := NewEngine(nil, nil); err == nil {
		t.Fatal("expected error for nil client")
	}

	eng, _ := NewEngine(NewClient("", WithBaseURL("http://127.0.0.1:1")), &EngineOptions{
		Realtime: &RealtimeConfig{},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := eng.Login(ctx, "garbage"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if eng.Self() != "" {
		t.Fatal("expected no session for an unreadable token")
	}

	err := eng.Login(ctx, signToken(t, jwt.MapClaims{"id": "u1"}))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork from connect, got %v", err)
	}
	if eng.Self() != "u1" {
		t.Fatal("expected the session to stay logged in after a failed connect")
	}
	eng.Logout()
}
