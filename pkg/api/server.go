// Package api exposes the firmware update operations over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fly-io/fwupdate/pkg/db"
	"github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/firmware"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

// Device is the update engine served by the API. *firmware.Device implements it.
type Device interface {
	Status(ctx context.Context) (*firmware.Status, error)
	Start(ctx context.Context, version []byte) error
	Write(ctx context.Context, offset uint32, data []byte) error
	Update(ctx context.Context, version []byte, checksum [integrity.Size]byte) error
	Synced(ctx context.Context) error
	Reset()
	MTU() int
}

// History lists past update events. *db.Repository implements it.
type History interface {
	ListEvents(ctx context.Context, limit int) ([]*db.Event, error)
}

// Server is the HTTP front end of a single device.
type Server struct {
	dev        Device
	history    History
	resetDelay time.Duration
}

// NewServer creates a new server. history may be nil.
func NewServer(dev Device, history History) *Server {
	return &Server{dev: dev, history: history, resetDelay: 200 * time.Millisecond}
}

// StatusView is the JSON form of firmware.Status.
type StatusView struct {
	CurrentVersion string  `json:"current_version"`
	NextOffset     uint32  `json:"next_offset"`
	NextVersion    *string `json:"next_version,omitempty"`
	Pending        bool    `json:"pending"`
	Idle           bool    `json:"idle"`
	MTU            int     `json:"mtu"`
}

type startRequest struct {
	Version string `json:"version"`
}

type updateRequest struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type eventView struct {
	ID        int64  `json:"id"`
	Version   string `json:"version"`
	Event     string `json:"event"`
	Bytes     int64  `json:"bytes"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.dev.Status(r.Context())
	if err != nil {
		s.writeError(w, "status", err)
		return
	}
	view := StatusView{
		CurrentVersion: string(st.CurrentVersion),
		NextOffset:     st.NextOffset,
		Pending:        st.Pending,
		Idle:           st.Idle(),
		MTU:            s.dev.MTU(),
	}
	if st.NextOffset > 0 {
		v := string(st.NextVersion)
		view.NextVersion = &v
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("cannot decode request: %v", err)})
		return
	}
	if err := s.dev.Start(r.Context(), []byte(req.Version)); err != nil {
		s.writeError(w, "start", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.ParseUint(mux.Vars(r)["offset"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("failed to parse offset: %v", err)})
		return
	}
	// One byte past the MTU is enough for the device to reject the payload.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.dev.MTU())+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("cannot read request body: %v", err)})
		return
	}
	if err := s.dev.Write(r.Context(), uint32(offset), body); err != nil {
		s.writeError(w, "write", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("cannot decode request: %v", err)})
		return
	}
	raw, err := hex.DecodeString(req.Checksum)
	if err != nil || len(raw) != integrity.Size {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("checksum must be %d hex-encoded bytes", integrity.Size)})
		return
	}
	var sum [integrity.Size]byte
	copy(sum[:], raw)

	if err := s.dev.Update(r.Context(), []byte(req.Version), sum); err != nil {
		s.writeError(w, "update", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) synced(w http.ResponseWriter, r *http.Request) {
	if err := s.dev.Synced(r.Context()); err != nil {
		s.writeError(w, "synced", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reset acknowledges the request before handing control to the device.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	slog.Warn("api_reset_requested", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		time.Sleep(s.resetDelay)
		s.dev.Reset()
	}()
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history not available"})
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("failed to parse limit: %v", err)})
			return
		}
		limit = n
	}

	events, err := s.history.ListEvents(r.Context(), limit)
	if err != nil {
		slog.Error("api_history_failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list history"})
		return
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			ID:        ev.ID,
			Version:   string(ev.Version),
			Event:     ev.Event,
			Bytes:     ev.Bytes,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// RegisterHandlers registers HTTP handlers for the update endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/v1/status", s.status).Methods("GET")
	r.HandleFunc("/v1/start", s.start).Methods("POST")
	r.HandleFunc("/v1/image/{offset:[0-9]+}", s.write).Methods("PUT")
	r.HandleFunc("/v1/update", s.update).Methods("POST")
	r.HandleFunc("/v1/synced", s.synced).Methods("POST")
	r.HandleFunc("/v1/reset", s.reset).Methods("POST")
	r.HandleFunc("/v1/history", s.listHistory).Methods("GET")
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	kind := firmware.KindOf(err)
	code := httpForKind(kind)
	if code >= http.StatusInternalServerError {
		slog.Error("api_request_failed", "op", op, "kind", kind.String(), "error", err)
	} else {
		slog.Warn("api_request_rejected", "op", op, "kind", kind.String(), "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func httpForKind(k firmware.Kind) int {
	switch k {
	case firmware.InvalidOffset, firmware.VersionMismatch, firmware.SessionNotOpen:
		return http.StatusConflict
	case firmware.VersionTooLong:
		return http.StatusBadRequest
	case firmware.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case firmware.ChecksumMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api_write_failed", "error", errors.Wrap(err, "encode response"))
	}
}
