package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"kople/internal/auth"
	"kople/internal/config"
	"kople/internal/db"
	"kople/internal/domain"
	"kople/internal/engine"
	"kople/internal/matching"
	"kople/internal/migrate"
	"kople/internal/notify"
	koplesdk "kople/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Notify *notify.Manager
	Admin  *koplesdk.Client
	Anon   *koplesdk.Client
	issuer auth.Issuer
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	e := engine.New(conn, config.Default())
	e.IntN = matching.SeededIntN(11)
	mgr := notify.NewManager(nil, 0)
	t.Cleanup(mgr.Close)
	e.Notifier = mgr

	issuer := auth.Issuer{Secret: testSecret, TTL: time.Hour}
	cfg := Config{
		Engine:    e,
		BasePath:  "/v1",
		Auth:      AuthConfig{Issuer: issuer},
		Notify:    mgr,
		PublicURL: "https://kople.test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adminToken, err := issuer.Issue(auth.Principal{ActorID: "organizer", Admin: true})
	require.NoError(t, err)
	anon := koplesdk.New(srv.URL)
	return &testServer{
		URL:    srv.URL,
		Engine: e,
		Notify: mgr,
		Admin:  anon.WithToken(adminToken),
		Anon:   anon,
		issuer: issuer,
	}
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *koplesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	assert.Equal(t, status, apiErr.StatusCode, apiErr.Body)
	assert.Equal(t, code, apiErr.Code, apiErr.Body)
}

// seed creates an event and joins n participants, returning their join results.
func (s *testServer) seed(t *testing.T, n int) (koplesdk.Event, []koplesdk.Joined) {
	t.Helper()
	ctx := context.Background()
	ev, err := s.Admin.CreateEvent(ctx, "Spring mixer", []string{"en", "ko"}, "")
	require.NoError(t, err)
	joined := make([]koplesdk.Joined, 0, n)
	for i := 0; i < n; i++ {
		j, err := s.Anon.Join(ctx, strings.ToLower(ev.Code), "guest", "ko")
		require.NoError(t, err)
		require.NotEmpty(t, j.Token)
		joined = append(joined, j)
	}
	return ev, joined
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	res, err := http.Get(s.URL + "/v1/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Anon.ListEvents(context.Background())
	requireAPIError(t, err, http.StatusUnauthorized, "unauthorized")

	_, err = s.Anon.WithToken("garbage").ListEvents(context.Background())
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestJoinFlowAndCodeValidation(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	ev, joined := s.seed(t, 1)
	assert.Len(t, ev.Code, 6)

	got, err := s.Anon.ValidateCode(ctx, ev.Code)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)

	_, err = s.Anon.ValidateCode(ctx, "ZZZZZZ")
	requireAPIError(t, err, http.StatusNotFound, "not_found")

	participant := s.Anon.WithToken(joined[0].Token)
	fetched, err := participant.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Title, fetched.Title)

	_, err = participant.ListEvents(ctx)
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	_, err = s.Admin.SetEventStatus(ctx, ev.ID, domain.EventEnded)
	require.NoError(t, err)
	_, err = s.Anon.ValidateCode(ctx, ev.Code)
	requireAPIError(t, err, http.StatusBadRequest, "event_ended")
	_, err = s.Anon.Join(ctx, ev.Code, "late", "en")
	requireAPIError(t, err, http.StatusConflict, "event_ended")
}

func TestOpenAPISpecUnderConcurrentFirstRequests(t *testing.T) {
	s := newTestServer(t)
	bodies := make([][]byte, 8)
	var g errgroup.Group
	for i := range bodies {
		g.Go(func() error {
			res, err := http.Get(s.URL + "/v1/openapi.json")
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", res.StatusCode)
			}
			bodies[i], err = io.ReadAll(res.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.True(t, json.Valid(bodies[0]))
	for _, b := range bodies[1:] {
		assert.Equal(t, string(bodies[0]), string(b))
	}
}

func TestGenerateMatchingErrors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	ev, joined := s.seed(t, 1)

	_, err := s.Admin.GenerateMatching(ctx, ev.ID, nil)
	requireAPIError(t, err, http.StatusBadRequest, "insufficient_participants")

	id := joined[0].Participant.ID
	_, err = s.Admin.GenerateMatching(ctx, ev.ID, []string{id, id})
	requireAPIError(t, err, http.StatusBadRequest, "duplicate_participant")

	_, err = s.Admin.GenerateMatching(ctx, "missing", nil)
	requireAPIError(t, err, http.StatusNotFound, "not_found")

	_, err = s.Anon.WithToken(joined[0].Token).GenerateMatching(ctx, ev.ID, nil)
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	m, err := s.Admin.GetMatching(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, m.Matches)
}

func TestRegenerationWhileLive(t *testing.T) {
	ctx := context.Background()

	locked := newTestServer(t)
	ev, _ := locked.seed(t, 4)
	_, err := locked.Admin.GenerateMatching(ctx, ev.ID, nil)
	require.NoError(t, err)
	_, err = locked.Admin.SetEventStatus(ctx, ev.ID, domain.EventLive)
	require.NoError(t, err)
	_, err = locked.Admin.GenerateMatching(ctx, ev.ID, nil)
	requireAPIError(t, err, http.StatusConflict, "regeneration_locked")

	open := newTestServer(t, func(c *Config) { c.AllowRegenerateWhenLive = true })
	ev, _ = open.seed(t, 4)
	_, err = open.Admin.GenerateMatching(ctx, ev.ID, nil)
	require.NoError(t, err)
	_, err = open.Admin.SetEventStatus(ctx, ev.ID, domain.EventLive)
	require.NoError(t, err)
	res, err := open.Admin.GenerateMatching(ctx, ev.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CreatedMatches)
}

func TestTargetAndStatusOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	ev, joined := s.seed(t, 2)
	a, b := joined[0], joined[1]

	asA := s.Anon.WithToken(a.Token)
	asB := s.Anon.WithToken(b.Token)
	_, err := asB.SubmitHint(ctx, ev.ID, b.Participant.ID, "H1", map[string]any{"color": "green"})
	require.NoError(t, err)
	_, err = asB.SubmitHint(ctx, ev.ID, b.Participant.ID, "H5", map[string]any{"pet": "cat"})
	require.NoError(t, err)
	_, err = asA.SubmitHint(ctx, ev.ID, b.Participant.ID, "H2", map[string]any{"x": 1})
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	_, err = asA.MyTarget(ctx, ev.ID, "")
	requireAPIError(t, err, http.StatusNotFound, "no_assignment")

	m, err := s.Admin.GenerateMatching(ctx, ev.ID, nil)
	require.NoError(t, err)
	require.Len(t, m.Matches, 1)
	assert.Equal(t, domain.MatchPair, m.Matches[0].Type)

	rounds, err := asA.ListRounds(ctx, ev.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rounds)
	_, err = s.Admin.ActivateRound(ctx, ev.ID, rounds[0].ID)
	require.NoError(t, err)

	target, err := asA.MyTarget(ctx, ev.ID, "")
	require.NoError(t, err)
	assert.Equal(t, b.Participant.ID, target.Target.Participant.ID)
	assert.Empty(t, target.Target.Hints, "participants only see revealed hints")
	require.Len(t, target.Target.VisibleHints, 1)
	assert.Equal(t, "H1", target.Target.VisibleHints[0].Level)

	full, err := s.Admin.MyTarget(ctx, ev.ID, a.Participant.ID)
	require.NoError(t, err)
	assert.Len(t, full.Target.Hints, 2)

	_, err = asA.MyTarget(ctx, ev.ID, b.Participant.ID)
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	_, err = asA.UpdateMatchStatus(ctx, ev.ID, "", "lost")
	requireAPIError(t, err, http.StatusBadRequest, "bad_request")

	found, err := asA.UpdateMatchStatus(ctx, ev.ID, "", domain.StatusFound)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFound, found.Status)
	require.NotNil(t, found.FoundAt)

	done, err := asA.UpdateMatchStatus(ctx, ev.ID, a.Participant.ID, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	stats, err := s.Admin.Stats(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalParticipants)
	assert.Equal(t, 1, stats.MatchedParticipants)
	assert.Equal(t, 50, stats.MatchingProgress)

	activity, err := s.Admin.Activity(ctx, ev.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, "assignment.status_changed", activity[0].Type)
	assert.Equal(t, a.Participant.ID, activity[0].Payload["participant_id"])
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	key, err := s.Admin.CreateAPIKey(ctx, "", "ci")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key.Key, "kpl_"))
	assert.Equal(t, "organizer", key.ActorID)

	withKey := koplesdk.New(s.URL)
	withKey.APIKey = key.Key
	_, err = withKey.CreateEvent(ctx, "Keyed", nil, "KEY123")
	require.NoError(t, err)

	withKey.APIKey = "kpl_wrong"
	_, err = withKey.ListEvents(ctx)
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestDevHeaderRequiresFlag(t *testing.T) {
	for _, allow := range []bool{false, true} {
		s := newTestServer(t, func(c *Config) { c.Auth.AllowDevHeader = allow })
		req, err := http.NewRequest(http.MethodGet, s.URL+"/v1/events", nil)
		require.NoError(t, err)
		req.Header.Set("X-Actor-Id", "local")
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		if allow {
			assert.Equal(t, http.StatusOK, res.StatusCode)
		} else {
			assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
		}
	}
}

func TestQRCodeIsPNG(t *testing.T) {
	s := newTestServer(t)
	ev, _ := s.seed(t, 0)
	res, err := http.Get(s.URL + "/v1/events/" + ev.ID + "/qr.png")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "\x89PNG"))

	missing, err := http.Get(s.URL + "/v1/events/nope/qr.png")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://kople.test/join?code=ABC123", JoinURL("https://kople.test/", nil, "ABC123"))
	req := httptest.NewRequest(http.MethodGet, "http://example.org/v1/events/x/qr.png", nil)
	assert.Equal(t, "http://example.org/join?code=ABC123", JoinURL("", req, "ABC123"))
}

func TestWebsocketReceivesMatchingNotification(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	ev, joined := s.seed(t, 3)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/events/" + ev.ID + "/ws?token=" + joined[0].Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Notify.Listeners(ev.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.Admin.GenerateMatching(ctx, ev.ID, nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n domain.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "matching.generated", n.Type)
	assert.Equal(t, ev.ID, n.EventID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/v1/events/"+ev.ID+"/ws", nil)
	require.Error(t, err)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []ActivityResponse
		sigs     []string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a ActivityResponse
		if err := json.Unmarshal(body, &a); err == nil {
			mu.Lock()
			received = append(received, a)
			sigs = append(sigs, r.Header.Get("X-Kople-Signature"))
			mu.Unlock()
			assert.Equal(t, Sign("hook-secret", body), r.Header.Get("X-Kople-Signature"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	s := newTestServer(t)
	ctx := context.Background()
	ev, _ := s.seed(t, 2)

	d := NewWebhookDispatcher(s.Engine, []config.Webhook{{
		URL:    sink.URL,
		Events: []string{"matching.*"},
		Secret: "hook-secret",
	}}, nil)
	require.NotNil(t, d)
	d.dispatchAll(ctx)

	_, err := s.Admin.GenerateMatching(ctx, ev.ID, nil)
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "history before start and unsubscribed types are skipped")
	assert.Equal(t, "matching.generated", received[0].Type)
	assert.Equal(t, ev.ID, received[0].EventID)
	assert.NotEmpty(t, sigs[0])
}

func TestWebhookDispatcherNeedsActiveHook(t *testing.T) {
	off := false
	assert.Nil(t, NewWebhookDispatcher(engine.Engine{}, nil, nil))
	assert.Nil(t, NewWebhookDispatcher(engine.Engine{}, []config.Webhook{{URL: "http://x", Enabled: &off}}, nil))
}
