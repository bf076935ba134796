package handlers

import (
	"net/http"

	"plugin-governor/internal/api/response"
	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/notify"
	"plugin-governor/internal/resource"
	"plugin-governor/internal/store"
)

// StreamStats reports the event stream
type StreamStats struct {
	Clients int   `json:"clients"`
	Dropped int64 `json:"dropped"`
}

// StreamInfo is implemented by the event stream server
type StreamInfo interface {
	ConnectionCount() int
	Dropped() int64
}

// Statistics is the combined snapshot served at /api/v1/statistics
type Statistics struct {
	Manager   resource.ManagerStatistics `json:"resource_manager"`
	Lifecycle lifecycle.Statistics       `json:"lifecycle_manager"`
	Monitor   monitor.Statistics         `json:"resource_monitor"`
	Store     *store.Stats               `json:"history_store,omitempty"`
	Publisher *notify.PublisherStats     `json:"publisher,omitempty"`
	Stream    *StreamStats               `json:"event_stream,omitempty"`
}

// StatisticsHandler serves combined statistics
type StatisticsHandler struct {
	deps   *Dependencies
	stream StreamInfo
}

// NewStatisticsHandler creates a statistics handler. stream may be nil.
func NewStatisticsHandler(deps *Dependencies, stream StreamInfo) *StatisticsHandler {
	return &StatisticsHandler{deps: deps, stream: stream}
}

// Collect builds the snapshot
func (h *StatisticsHandler) Collect() Statistics {
	stats := Statistics{
		Manager:   h.deps.Manager.Statistics(),
		Lifecycle: h.deps.Lifecycle.Statistics(),
		Monitor:   h.deps.Monitor.Statistics(),
	}
	if h.deps.Store != nil {
		s := h.deps.Store.Stats()
		stats.Store = &s
	}
	if h.deps.Publisher != nil {
		p := h.deps.Publisher.Stats()
		stats.Publisher = &p
	}
	if h.stream != nil {
		stats.Stream = &StreamStats{Clients: h.stream.ConnectionCount(), Dropped: h.stream.Dropped()}
	}
	return stats
}

// Handle writes the snapshot
func (h *StatisticsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.Collect())
}
