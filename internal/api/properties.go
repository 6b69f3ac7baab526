package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hub/internal/consumer"
	"github.com/nerrad567/gray-logic-hub/internal/mapping"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// PropertyStateResponse is the current view of one property.
//
// Value is what a reader should display: the stored value of a variable
// property, the trusted actual value of a dynamic one, and the resolved
// value of a mapped one. State is the raw record for dynamic and mapped
// properties.
type PropertyStateResponse struct {
	Property *topology.Property   `json:"property"`
	Value    any                  `json:"value"`
	State    *state.PropertyState `json:"state,omitempty"`
}

// WriteRequest is the body of a state write.
type WriteRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleGetPropertyState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.topology.GetProperty(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, "property", err)
		return
	}

	resp := PropertyStateResponse{Property: p}
	switch p.Kind {
	case topology.KindVariable:
		resp.Value = p.Value

	case topology.KindDynamic, topology.KindMapped:
		m, err := s.managers.ForProperty(p)
		if err != nil {
			s.logger.Error("no state manager for property", "property_id", p.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read state")
			return
		}
		if resp.State, err = m.Get(ctx, p); err != nil {
			s.logger.Error("reading property state failed", "property_id", p.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read state")
			return
		}
		resp.Value = resp.State.Current()

		if p.Kind == topology.KindMapped && s.resolver != nil {
			if resp.Value, err = s.resolver.Read(ctx, p); err != nil {
				s.logger.Warn("resolving mapped property failed", "property_id", p.ID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to resolve mapped property")
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleWritePropertyState queues a write request on the consumer pipeline.
// The write is applied asynchronously, so success is 202.
func (s *Server) handleWritePropertyState(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "writes are not available")
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	p, err := s.topology.GetProperty(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, "property", err)
		return
	}
	if !p.Settable {
		writeError(w, http.StatusUnprocessableEntity, "property "+p.Identifier+" is not settable")
		return
	}
	if p.Kind == topology.KindMapped && s.resolver != nil {
		if _, err := s.resolver.DeviceValue(ctx, p, req.Value); err != nil {
			if errors.Is(err, mapping.ErrInvalidValue) || errors.Is(err, mapping.ErrReadOnlyProjection) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
		}
	}

	target, err := s.targetOf(ctx, p)
	if err != nil {
		s.writeLookupError(w, "property", err)
		return
	}
	msg := consumer.PropertyWriteRequested{Target: target, Value: req.Value}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.logger.Warn("queueing write request failed", "property_id", p.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "write queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"property_id": p.ID,
		"value":       req.Value,
		"status":      "queued",
	})
}

// targetOf addresses p by ID through its full ownership chain.
func (s *Server) targetOf(ctx context.Context, p *topology.Property) (consumer.Target, error) {
	t := consumer.Target{Property: topology.Ref{ID: p.ID}}

	connectorID, err := s.topology.ConnectorOf(ctx, p.Owner)
	if err != nil {
		return t, err
	}
	t.Connector = topology.Ref{ID: connectorID}

	switch p.Owner.Scope {
	case topology.ScopeDevice:
		t.Device = topology.Ref{ID: p.Owner.ID}
	case topology.ScopeChannel:
		ch, err := s.topology.GetChannel(ctx, p.Owner.ID)
		if err != nil {
			return t, err
		}
		t.Device = topology.Ref{ID: ch.DeviceID}
		t.Channel = topology.Ref{ID: ch.ID}
	}
	return t, nil
}
