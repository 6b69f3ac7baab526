package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// ChannelView is a channel with its properties.
type ChannelView struct {
	topology.Channel
	Properties []topology.Property `json:"properties"`
}

// DeviceView is a device with its channels and properties.
type DeviceView struct {
	topology.Device
	Properties []topology.Property `json:"properties"`
	Channels   []ChannelView       `json:"channels"`
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := s.topology.ListConnectors(r.Context())
	if err != nil {
		s.logger.Error("listing connectors failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list connectors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors": connectors,
		"count":      len(connectors),
	})
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	c, err := s.topology.GetConnector(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, "connector", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListConnectorDevices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.topology.GetConnector(r.Context(), id); err != nil {
		s.writeLookupError(w, "connector", err)
		return
	}
	devices, err := s.topology.ListDevices(r.Context(), id)
	if err != nil {
		s.logger.Error("listing devices failed", "connector_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.topology.GetDevice(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, "device", err)
		return
	}

	owner := topology.DeviceOwner(d.ID)
	props, err := s.topology.ListProperties(ctx, topology.PropertyQuery{Owner: &owner})
	if err != nil {
		s.logger.Error("listing device properties failed", "device_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list properties")
		return
	}
	channels, err := s.topology.ListChannels(ctx, d.ID)
	if err != nil {
		s.logger.Error("listing channels failed", "device_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}

	view := DeviceView{Device: *d, Properties: props, Channels: make([]ChannelView, 0, len(channels))}
	for _, ch := range channels {
		chOwner := topology.ChannelOwner(ch.ID)
		chProps, err := s.topology.ListProperties(ctx, topology.PropertyQuery{Owner: &chOwner})
		if err != nil {
			s.logger.Error("listing channel properties failed", "channel_id", ch.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list properties")
			return
		}
		view.Channels = append(view.Channels, ChannelView{Channel: ch, Properties: chProps})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	p, err := s.topology.GetProperty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, "property", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// writeLookupError maps registry lookups to 404 or 500.
func (s *Server) writeLookupError(w http.ResponseWriter, entity string, err error) {
	switch {
	case errors.Is(err, topology.ErrConnectorNotFound),
		errors.Is(err, topology.ErrDeviceNotFound),
		errors.Is(err, topology.ErrChannelNotFound),
		errors.Is(err, topology.ErrPropertyNotFound):
		writeError(w, http.StatusNotFound, entity+" not found")
	default:
		s.logger.Error("lookup failed", "entity", entity, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load "+entity)
	}
}
