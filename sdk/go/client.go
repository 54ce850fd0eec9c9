package koplesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal kople HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.BearerToken = token
	cp.APIKey = ""
	return &cp
}

// Event represents an icebreaker event.
type Event struct {
	ID              string   `json:"id"`
	Code            string   `json:"code"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Langs           []string `json:"langs"`
	CommonQuestion  string   `json:"common_question,omitempty"`
	MatchingCreated bool     `json:"matching_created"`
	CreatedAt       string   `json:"created_at"`
}

type Participant struct {
	ID              string   `json:"id"`
	EventID         string   `json:"event_id"`
	DisplayName     string   `json:"display_name"`
	Lang            string   `json:"lang"`
	SubmittedLevels []string `json:"submitted_levels"`
	MatchID         *string  `json:"match_id,omitempty"`
	IsMatched       bool     `json:"is_matched"`
}

type Hint struct {
	ID            string         `json:"id"`
	ParticipantID string         `json:"participant_id"`
	Level         string         `json:"level"`
	Payload       map[string]any `json:"payload"`
}

type Round struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	VisibleLevels []string `json:"visible_levels"`
	IsActive      bool     `json:"is_active"`
	Order         int      `json:"order"`
}

type Match struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Type         string   `json:"type"`
}

type Assignment struct {
	ID            string  `json:"id"`
	MatchID       string  `json:"match_id"`
	ParticipantID string  `json:"participant_id"`
	TargetID      string  `json:"target_id"`
	Status        string  `json:"status"`
	FoundAt       *string `json:"found_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

type Matching struct {
	Matches          []Match      `json:"matches"`
	Assignments      []Assignment `json:"assignments"`
	CreatedMatches   int          `json:"created_matches"`
	ParticipantCount int          `json:"participant_count"`
	Order            []string     `json:"order,omitempty"`
}

type Target struct {
	Participant Participant `json:"participant"`
	Assignment  Assignment  `json:"assignment"`
	Target      struct {
		Participant  Participant `json:"participant"`
		Hints        []Hint      `json:"hints,omitempty"`
		VisibleHints []Hint      `json:"visible_hints"`
	} `json:"target"`
	ActiveRound *Round `json:"active_round,omitempty"`
}

type Stats struct {
	TotalParticipants   int `json:"total_participants"`
	MatchedParticipants int `json:"matched_participants"`
	TotalMatches        int `json:"total_matches"`
	MatchingProgress    int `json:"matching_progress"`
}

// Activity represents an audit log entry.
type Activity struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type Joined struct {
	Event       Event       `json:"event"`
	Participant Participant `json:"participant"`
	Token       string      `json:"token"`
}

type APIKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	Key     string `json:"key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateEvent creates an event; a blank code lets the server pick one.
func (c *Client) CreateEvent(ctx context.Context, title string, langs []string, code string) (Event, error) {
	body := map[string]any{"title": title, "langs": langs, "code": code}
	var resp Event
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

func (c *Client) ListEvents(ctx context.Context) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, "events", nil, &resp)
	return resp, err
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, eventPath(eventID, ""), nil, &resp)
	return resp, err
}

func (c *Client) SetEventStatus(ctx context.Context, eventID, status string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPatch, eventPath(eventID, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context, eventID string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, eventPath(eventID, "stats"), nil, &resp)
	return resp, err
}

// ValidateCode resolves a join code without credentials.
func (c *Client) ValidateCode(ctx context.Context, code string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, "events/validate?code="+url.QueryEscape(code), nil, &resp)
	return resp, err
}

// Join registers a participant and returns its token.
func (c *Client) Join(ctx context.Context, code, displayName, lang string) (Joined, error) {
	body := map[string]any{"code": code, "display_name": displayName, "lang": lang, "consent": true}
	var resp Joined
	err := c.do(ctx, http.MethodPost, "join", body, &resp)
	return resp, err
}

func (c *Client) ListParticipants(ctx context.Context, eventID string) ([]Participant, error) {
	var resp []Participant
	err := c.do(ctx, http.MethodGet, eventPath(eventID, "participants"), nil, &resp)
	return resp, err
}

func (c *Client) SubmitHint(ctx context.Context, eventID, participantID, level string, payload map[string]any) (Hint, error) {
	var resp Hint
	endpoint := eventPath(eventID, fmt.Sprintf("participants/%s/hints/%s", url.PathEscape(participantID), url.PathEscape(level)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"payload": payload}, &resp)
	return resp, err
}

func (c *Client) CreateRound(ctx context.Context, eventID, name string, levels []string) (Round, error) {
	var resp Round
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "rounds"), map[string]any{"name": name, "visible_levels": levels}, &resp)
	return resp, err
}

func (c *Client) ListRounds(ctx context.Context, eventID string) ([]Round, error) {
	var resp []Round
	err := c.do(ctx, http.MethodGet, eventPath(eventID, "rounds"), nil, &resp)
	return resp, err
}

func (c *Client) ActivateRound(ctx context.Context, eventID, roundID string) (Round, error) {
	var resp Round
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "rounds/"+url.PathEscape(roundID)+"/activate"), nil, &resp)
	return resp, err
}

// GenerateMatching draws a new matching; nil participantIDs means everyone.
func (c *Client) GenerateMatching(ctx context.Context, eventID string, participantIDs []string) (Matching, error) {
	var body any
	if participantIDs != nil {
		body = map[string]any{"participant_ids": participantIDs}
	}
	var resp Matching
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "generate-matching"), body, &resp)
	return resp, err
}

func (c *Client) GetMatching(ctx context.Context, eventID string) (Matching, error) {
	var resp Matching
	err := c.do(ctx, http.MethodGet, eventPath(eventID, "matching"), nil, &resp)
	return resp, err
}

// MyTarget returns who participantID has to find. Participants may pass "" for themselves.
func (c *Client) MyTarget(ctx context.Context, eventID, participantID string) (Target, error) {
	endpoint := eventPath(eventID, "my-target")
	if participantID != "" {
		endpoint += "?participant_id=" + url.QueryEscape(participantID)
	}
	var resp Target
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) UpdateMatchStatus(ctx context.Context, eventID, participantID, status string) (Assignment, error) {
	var resp Assignment
	body := map[string]any{"participant_id": participantID, "status": status}
	err := c.do(ctx, http.MethodPut, eventPath(eventID, "update-match-status"), body, &resp)
	return resp, err
}

// Activity returns recent activity for an event, newest first.
func (c *Client) Activity(ctx context.Context, eventID string, limit int) ([]Activity, error) {
	endpoint := eventPath(eventID, "activity")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Activity
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateAPIKey(ctx context.Context, actorID, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"actor_id": actorID, "name": name}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func eventPath(eventID, p string) string {
	endpoint := "events/" + url.PathEscape(eventID)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
