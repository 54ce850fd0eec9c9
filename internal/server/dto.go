package server

import (
	"encoding/json"

	"kople/internal/domain"
)

// Request payloads

type CreateEventRequest struct {
	Title          string   `json:"title" minLength:"1"`
	Description    string   `json:"description,omitempty"`
	Location       string   `json:"location,omitempty"`
	Langs          []string `json:"langs,omitempty"`
	CommonQuestion string   `json:"common_question,omitempty"`
	Code           string   `json:"code,omitempty" doc:"Join code; generated when omitted"`
}

type SetEventStatusRequest struct {
	Status string `json:"status" enum:"draft,waiting_for_matching,live,ended"`
}

type JoinRequest struct {
	Code         string `json:"code"`
	DisplayName  string `json:"display_name"`
	Lang         string `json:"lang,omitempty"`
	Consent      bool   `json:"consent"`
	ProfileEmoji string `json:"profile_emoji,omitempty"`
}

type HintRequest struct {
	Payload map[string]any `json:"payload"`
}

type CreateRoundRequest struct {
	Name          string   `json:"name"`
	VisibleLevels []string `json:"visible_levels"`
	Order         int      `json:"order,omitempty"`
}

type GenerateMatchingRequest struct {
	ParticipantIDs []string `json:"participant_ids,omitempty" doc:"Restrict the draw to these participants; all participants when omitted"`
}

type UpdateMatchStatusRequest struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status" enum:"pending,found,completed"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Responses

type JoinResponse struct {
	Event       domain.Event       `json:"event"`
	Participant domain.Participant `json:"participant"`
	Token       string             `json:"token"`
}

// EventSummary is what an anonymous visitor learns from a join code.
type EventSummary struct {
	ID             string   `json:"id"`
	Code           string   `json:"code"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Location       string   `json:"location,omitempty"`
	Status         string   `json:"status"`
	Langs          []string `json:"langs"`
	CommonQuestion string   `json:"common_question,omitempty"`
}

type ActivityResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}

func eventSummary(ev domain.Event) EventSummary {
	return EventSummary{
		ID:             ev.ID,
		Code:           ev.Code,
		Title:          ev.Title,
		Description:    ev.Description,
		Location:       ev.Location,
		Status:         ev.Status,
		Langs:          ev.Langs,
		CommonQuestion: ev.CommonQuestion,
	}
}

func activityResponse(a domain.Activity) ActivityResponse {
	resp := ActivityResponse{
		ID:         a.ID,
		TS:         a.TS,
		Type:       a.Type,
		EventID:    a.EventID,
		EntityKind: a.EntityKind,
		EntityID:   a.EntityID,
		ActorID:    a.ActorID,
	}
	if a.Payload != "" && json.Valid([]byte(a.Payload)) {
		resp.Payload = json.RawMessage(a.Payload)
	}
	return resp
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}
