package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"kople/internal/auth"
	"kople/internal/domain"
	"kople/internal/engine"
	"kople/internal/notify"
)

type eventPath struct {
	EventID string `path:"event_id"`
}

type participantPath struct {
	EventID       string `path:"event_id"`
	ParticipantID string `path:"participant_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerJoin(api huma.API, e engine.Engine, issuer auth.Issuer) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-event-code",
		Method:      http.MethodGet,
		Path:        "/events/validate",
		Summary:     "Resolve a join code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `query:"code"`
	}) (*struct {
		Body EventSummary `json:"body"`
	}, error) {
		ev, err := e.ResolveEventCode(ctx, input.Code)
		if errors.Is(err, engine.ErrEventEnded) {
			return nil, newAPIError(http.StatusBadRequest, "event_ended", err.Error(), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventSummary `json:"body"`
		}{Body: eventSummary(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-event",
		Method:      http.MethodPost,
		Path:        "/join",
		Summary:     "Join an event by code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body JoinRequest `json:"body"`
	}) (*struct {
		Body JoinResponse `json:"body"`
	}, error) {
		ev, p, err := e.JoinEvent(ctx, engine.JoinOptions{
			Code:         input.Body.Code,
			DisplayName:  input.Body.DisplayName,
			Lang:         input.Body.Lang,
			Consent:      input.Body.Consent,
			ProfileEmoji: input.Body.ProfileEmoji,
		})
		if err != nil {
			return nil, handleError(err)
		}
		token, err := issuer.Issue(auth.Principal{ActorID: p.ID, Events: []string{ev.ID}})
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body JoinResponse `json:"body"`
		}{Body: JoinResponse{Event: ev, Participant: p, Token: token}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Create an event",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		principal, err := requireAdmin(ctx)
		if err != nil {
			return nil, err
		}
		ev, err := e.CreateEvent(ctx, engine.EventCreateOptions{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Location:       input.Body.Location,
			Langs:          input.Body.Langs,
			CommonQuestion: input.Body.CommonQuestion,
			Code:           input.Body.Code,
			ActorID:        principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.ListEvents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get an event",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if _, err := requireEvent(ctx, input.EventID); err != nil {
			return nil, err
		}
		ev, err := e.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-event-status",
		Method:      http.MethodPatch,
		Path:        "/events/{event_id}/status",
		Summary:     "Set event status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string                `path:"event_id"`
		Body    SetEventStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		principal, err := requireAdmin(ctx)
		if err != nil {
			return nil, err
		}
		ev, err := e.SetEventStatus(ctx, input.EventID, input.Body.Status, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-stats",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/stats",
		Summary:     "Matching progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body domain.EventStats `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		stats, err := e.EventStats(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EventStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/participants",
		Summary:     "List participants",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body []domain.Participant `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.ListParticipants(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Participant `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-hint",
		Method:      http.MethodPut,
		Path:        "/events/{event_id}/participants/{participant_id}/hints/{level}",
		Summary:     "Submit a hint",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID       string      `path:"event_id"`
		ParticipantID string      `path:"participant_id"`
		Level         string      `path:"level"`
		Body          HintRequest `json:"body"`
	}) (*struct {
		Body domain.Hint `json:"body"`
	}, error) {
		principal, err := requireParticipant(ctx, input.EventID, input.ParticipantID)
		if err != nil {
			return nil, err
		}
		h, err := e.SubmitHint(ctx, engine.HintOptions{
			EventID:       input.EventID,
			ParticipantID: input.ParticipantID,
			Level:         input.Level,
			Payload:       input.Body.Payload,
			ActorID:       principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Hint `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-hints",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/participants/{participant_id}/hints",
		Summary:     "List a participant's hints",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *participantPath) (*struct {
		Body []domain.Hint `json:"body"`
	}, error) {
		if _, err := requireParticipant(ctx, input.EventID, input.ParticipantID); err != nil {
			return nil, err
		}
		items, err := e.ListHints(ctx, input.EventID, input.ParticipantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Hint `json:"body"`
		}{Body: items}, nil
	})
}

func registerRounds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-round",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/rounds",
		Summary:     "Create a round",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string             `path:"event_id"`
		Body    CreateRoundRequest `json:"body"`
	}) (*struct {
		Body domain.Round `json:"body"`
	}, error) {
		principal, err := requireAdmin(ctx)
		if err != nil {
			return nil, err
		}
		rd, err := e.CreateRound(ctx, engine.RoundCreateOptions{
			EventID:       input.EventID,
			Name:          input.Body.Name,
			VisibleLevels: input.Body.VisibleLevels,
			Order:         input.Body.Order,
			ActorID:       principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Round `json:"body"`
		}{Body: rd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rounds",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/rounds",
		Summary:     "List rounds in order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body []domain.Round `json:"body"`
	}, error) {
		if _, err := requireEvent(ctx, input.EventID); err != nil {
			return nil, err
		}
		items, err := e.ListRounds(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Round `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-round",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/rounds/{round_id}/activate",
		Summary:     "Make a round the active one",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		RoundID string `path:"round_id"`
	}) (*struct {
		Body domain.Round `json:"body"`
	}, error) {
		principal, err := requireAdmin(ctx)
		if err != nil {
			return nil, err
		}
		rd, err := e.ActivateRound(ctx, input.EventID, input.RoundID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Round `json:"body"`
		}{Body: rd}, nil
	})
}

func registerMatching(api huma.API, e engine.Engine, allowRegenerateWhenLive bool) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-matching",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/generate-matching",
		Summary:     "Generate (or regenerate) the event's matching",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		EventID string                   `path:"event_id"`
		Body    *GenerateMatchingRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.MatchingResult `json:"body"`
	}, error) {
		principal, err := requireAdmin(ctx)
		if err != nil {
			return nil, err
		}
		opts := engine.GenerateOptions{
			EventID:      input.EventID,
			ActorID:      principal.ActorID,
			LockWhenLive: !allowRegenerateWhenLive,
		}
		if input.Body != nil && len(input.Body.ParticipantIDs) > 0 {
			opts.ParticipantIDs = input.Body.ParticipantIDs
		}
		res, err := e.GenerateMatching(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MatchingResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-matching",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/matching",
		Summary:     "Current matches and assignments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body engine.MatchingResult `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		res, err := e.GetMatching(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MatchingResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-target",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/my-target",
		Summary:     "Who the participant has to find",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID       string `path:"event_id"`
		ParticipantID string `query:"participant_id"`
	}) (*struct {
		Body engine.TargetView `json:"body"`
	}, error) {
		participantID := selfOr(ctx, input.ParticipantID)
		principal, err := requireParticipant(ctx, input.EventID, participantID)
		if err != nil {
			return nil, err
		}
		view, err := e.GetTargetFor(ctx, input.EventID, participantID)
		if err != nil {
			return nil, handleError(err)
		}
		if !principal.Admin {
			// Participants only see what the active round reveals.
			view.Target.Hints = nil
		}
		return &struct {
			Body engine.TargetView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-match-status",
		Method:      http.MethodPut,
		Path:        "/events/{event_id}/update-match-status",
		Summary:     "Advance an assignment to found or completed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		EventID string                   `path:"event_id"`
		Body    UpdateMatchStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		participantID := selfOr(ctx, input.Body.ParticipantID)
		principal, err := requireParticipant(ctx, input.EventID, participantID)
		if err != nil {
			return nil, err
		}
		a, err := e.UpdateAssignmentStatus(ctx, engine.StatusOptions{
			EventID:       input.EventID,
			ParticipantID: participantID,
			Status:        input.Body.Status,
			ActorID:       principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

// selfOr returns id, or the caller's own id when id is empty and the caller is a participant.
func selfOr(ctx context.Context, id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if p, ok := principalFromContext(ctx); ok && !p.Admin {
		return p.ActorID
	}
	return ""
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "event-activity",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/activity",
		Summary:     "Recent activity, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID    string `path:"event_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"event,participant,hint,round,assignment"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.Activity(ctx, engine.ActivityFilter{
			EventID:    input.EventID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]ActivityResponse, 0, len(items))
		for _, a := range items {
			resp = append(resp, activityResponse(a))
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/api-keys",
		Summary:     "Issue an organizer API key",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, err := requireAdmin(ctx)
		if err != nil {
			return nil, err
		}
		actor := input.Body.ActorID
		if actor == "" {
			actor = principal.ActorID
		}
		key, plain, err := e.CreateAPIKey(ctx, actor, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerQR serves a PNG QR code of the event's join URL.
func registerQR(r chi.Router, basePath string, e engine.Engine, publicURL string) {
	r.Get(path.Join(basePath, "events/{event_id}/qr.png"), func(w http.ResponseWriter, req *http.Request) {
		ev, err := e.GetEvent(req.Context(), chi.URLParam(req, "event_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		png, err := qrcode.Encode(JoinURL(publicURL, req, ev.Code), qrcode.Medium, 320)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(png)
	})
}

// JoinURL is the link a participant opens to join the event with code.
func JoinURL(publicURL string, req *http.Request, code string) string {
	base := strings.TrimRight(publicURL, "/")
	if base == "" && req != nil {
		scheme := "http"
		if req.TLS != nil {
			scheme = "https"
		}
		if fwd := req.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		base = scheme + "://" + req.Host
	}
	return base + "/join?code=" + code
}

func registerWS(r chi.Router, basePath string, e engine.Engine, m *notify.Manager) {
	r.Get(path.Join(basePath, "events/{event_id}/ws"), func(w http.ResponseWriter, req *http.Request) {
		eventID := chi.URLParam(req, "event_id")
		principal, err := requireEvent(req.Context(), eventID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if _, err := e.GetEvent(req.Context(), eventID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		m.ServeWS(w, req, eventID, principal.ActorID)
	})
}
