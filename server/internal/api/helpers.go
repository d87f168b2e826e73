package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

// errNoOnlineAgent is returned by onlineAgentForCustomer when none of a
// customer's approved agents currently hold a live hub session.
var errNoOnlineAgent = errors.New("api: no online agent for customer")

// onlineAgentForCustomer picks any currently-connected approved agent
// belonging to customerID. Devices carry no agent assignment of their own —
// any online agent at the customer's site can reach its local devices. This
// mirrors the scheduler's own selection for scheduled backup waves.
func onlineAgentForCustomer(ctx context.Context, agents repository.AgentRepository, h *hub.Hub, customerID uuid.UUID) (*db.Agent, error) {
	list, err := agents.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if h.IsOnline(list[i].ID.String()) {
			return &list[i], nil
		}
	}
	return nil, errNoOnlineAgent
}

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseUUIDString parses a UUID carried in a decoded request body field
// (rather than a URL path parameter). Writes a 400 naming field and returns
// false on malformed input.
func parseUUIDString(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+field+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repository.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repository.ListOptions{Limit: limit, Offset: offset}
}
