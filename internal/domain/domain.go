package domain

// Event statuses.
const (
	EventDraft              = "draft"
	EventWaitingForMatching = "waiting_for_matching"
	EventLive               = "live"
	EventEnded              = "ended"
)

// Assignment statuses.
const (
	StatusPending   = "pending"
	StatusFound     = "found"
	StatusCompleted = "completed"
)

// Match types.
const (
	MatchPair = "pair"
	MatchTrio = "trio"
)

// HintLevels lists the hint tiers in reveal order.
var HintLevels = []string{"H1", "H2", "H3", "H4", "H5", "H6"}

// Languages supported by events.
var Languages = []string{"en", "ko", "ja", "zh", "es", "fr"}

// EventStatuses lists valid event statuses.
var EventStatuses = []string{EventDraft, EventWaitingForMatching, EventLive, EventEnded}

type Event struct {
	ID              string   `json:"id"`
	Code            string   `json:"code"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Location        string   `json:"location,omitempty"`
	Status          string   `json:"status" enum:"draft,waiting_for_matching,live,ended"`
	Langs           []string `json:"langs"`
	CommonQuestion  string   `json:"common_question,omitempty"`
	MatchingCreated bool     `json:"matching_created"`
	CreatedBy       string   `json:"created_by"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Round struct {
	ID            string   `json:"id"`
	EventID       string   `json:"event_id"`
	Name          string   `json:"name"`
	VisibleLevels []string `json:"visible_levels"`
	IsActive      bool     `json:"is_active"`
	Order         int      `json:"order"`
	StartedAt     *string  `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *string  `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type Participant struct {
	ID              string   `json:"id"`
	EventID         string   `json:"event_id"`
	DisplayName     string   `json:"display_name"`
	Lang            string   `json:"lang"`
	Consent         bool     `json:"consent"`
	ProfileEmoji    string   `json:"profile_emoji,omitempty"`
	SubmittedLevels []string `json:"submitted_levels"`
	MatchID         *string  `json:"match_id,omitempty"`
	IsMatched       bool     `json:"is_matched"`
	CreatedBy       string   `json:"created_by"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Hint struct {
	ID            string         `json:"id"`
	EventID       string         `json:"event_id"`
	ParticipantID string         `json:"participant_id"`
	Level         string         `json:"level" enum:"H1,H2,H3,H4,H5,H6"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// Match is one mutual-discovery group of two or three participants.
type Match struct {
	ID           string   `json:"id"`
	EventID      string   `json:"event_id"`
	Participants []string `json:"participants"`
	Type         string   `json:"type" enum:"pair,trio"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Assignment is one participant's obligation to find TargetID.
type Assignment struct {
	ID            string  `json:"id"`
	EventID       string  `json:"event_id"`
	MatchID       string  `json:"match_id"`
	ParticipantID string  `json:"participant_id"`
	TargetID      string  `json:"target_id"`
	Status        string  `json:"status" enum:"pending,found,completed"`
	FoundAt       *string `json:"found_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// ParticipantMatchState mirrors an assignment status onto its participant.
type ParticipantMatchState struct {
	IsMatched bool
	// MatchID is applied only when SetMatchID is true; nil clears it.
	MatchID    *string
	SetMatchID bool
}

type EventStats struct {
	EventID             string `json:"event_id"`
	TotalParticipants   int    `json:"total_participants"`
	MatchedParticipants int    `json:"matched_participants"`
	TotalMatches        int    `json:"total_matches"`
	MatchingProgress    int    `json:"matching_progress"`
}

type Activity struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Contains reports whether v is in list.
func Contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Notification is a post-commit message fanned out to an event's live listeners.
type Notification struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	TS      string `json:"ts"`
	Data    any    `json:"data,omitempty"`
}
