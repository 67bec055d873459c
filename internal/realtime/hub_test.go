package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/risk"
)

func verdictDecision(subjectType string, score int, v risk.Verdict) *risk.Decision {
	return &risk.Decision{
		ID:          "dec_" + string(v),
		Shape:       risk.ShapeVerdict,
		Verdict:     v,
		Score:       score,
		SubjectType: subjectType,
		SubjectID:   "s1",
	}
}

func actionDecision(score int, a risk.Action) *risk.Decision {
	return &risk.Decision{
		ID:          "dec_" + string(a),
		Shape:       risk.ShapeAction,
		Action:      a,
		Score:       score,
		SubjectType: risk.SubjectUID,
		SubjectID:   "s1",
	}
}

func TestSubscription_Matches(t *testing.T) {
	deny := verdictDecision(risk.SubjectUID, 90, risk.VerdictDeny)
	allowIP := verdictDecision(risk.SubjectIP, 5, risk.VerdictAllow)
	challenge := actionDecision(45, risk.ActionChallenge)

	tests := []struct {
		name string
		sub  Subscription
		d    *risk.Decision
		want bool
	}{
		{"empty matches all", Subscription{}, allowIP, true},
		{"nil decision", Subscription{}, nil, false},
		{"verdict filter hit", Subscription{Verdicts: []risk.Verdict{risk.VerdictDeny}}, deny, true},
		{"verdict filter miss", Subscription{Verdicts: []risk.Verdict{risk.VerdictDeny}}, allowIP, false},
		{"verdict filter ignores action shape", Subscription{Verdicts: []risk.Verdict{risk.VerdictDeny}}, challenge, true},
		{"action filter hit", Subscription{Actions: []risk.Action{risk.ActionChallenge}}, challenge, true},
		{"action filter miss", Subscription{Actions: []risk.Action{risk.ActionDeny}}, challenge, false},
		{"subject type hit", Subscription{SubjectTypes: []string{"ip"}}, allowIP, true},
		{"subject type miss", Subscription{SubjectTypes: []string{"ip"}}, deny, false},
		{"min score hit", Subscription{MinScore: 90}, deny, true},
		{"min score miss", Subscription{MinScore: 91}, deny, false},
		{"all filters", Subscription{Verdicts: []risk.Verdict{risk.VerdictDeny}, SubjectTypes: []string{"uid"}, MinScore: 50}, deny, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.d))
		})
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/decisions/stream?verdict=deny,%20Review&subjectType=uid&minScore=70", nil)
	sub, err := subscriptionFromQuery(r)
	require.NoError(t, err)
	assert.Equal(t, []risk.Verdict{risk.VerdictDeny, risk.VerdictReview}, sub.Verdicts)
	assert.Equal(t, []string{"uid"}, sub.SubjectTypes)
	assert.Equal(t, 70, sub.MinScore)
	assert.Empty(t, sub.Actions)

	for _, bad := range []string{"minScore=abc", "minScore=101", "minScore=-1"} {
		_, err := subscriptionFromQuery(httptest.NewRequest("GET", "/?"+bad, nil))
		assert.ErrorIs(t, err, errInvalidMinScore, bad)
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h, _ := startHub(t)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 16),
		sub:  Subscription{Verdicts: []risk.Verdict{risk.VerdictDeny}},
	}
	h.register <- client

	h.NotifyDecision(context.Background(), verdictDecision("uid", 10, risk.VerdictAllow))
	h.NotifyDecision(context.Background(), verdictDecision("uid", 95, risk.VerdictDeny))

	select {
	case msg := <-client.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventDecision, ev.Type)
		assert.Equal(t, risk.VerdictDeny, ev.Decision.Verdict)
	case <-time.After(time.Second):
		t.Fatal("client should receive the deny decision")
	}

	select {
	case msg := <-client.send:
		t.Fatalf("unexpected second message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Eventually(t, func() bool {
		return h.Stats()["totalEvents"].(int64) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h, _ := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- client

	for i := 0; i < 3; i++ {
		h.NotifyDecision(context.Background(), verdictDecision("uid", 10, risk.VerdictAllow))
	}

	assert.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/decisions/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := startHub(t)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/decisions/stream?minScore=50"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 1
	}, time.Second, 5*time.Millisecond)

	h.NotifyDecision(context.Background(), verdictDecision("uid", 20, risk.VerdictAllow))
	h.NotifyDecision(context.Background(), verdictDecision("uid", 75, risk.VerdictDeny))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, 75, ev.Decision.Score)

	// Replace the filter over the socket.
	require.NoError(t, conn.WriteJSON(Subscription{Verdicts: []risk.Verdict{risk.VerdictAllow}}))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			if len(c.subscription().Verdicts) == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.NotifyDecision(context.Background(), verdictDecision("uid", 95, risk.VerdictDeny))
	h.NotifyDecision(context.Background(), verdictDecision("uid", 1, risk.VerdictAllow))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, risk.VerdictAllow, ev.Decision.Verdict)
	assert.Equal(t, 1, ev.Decision.Score)
}

func TestHub_RejectsBadFilters(t *testing.T) {
	h, _ := startHub(t)
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/decisions/stream?minScore=high", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
