package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type operationRequest struct {
	Kind           string `json:"kind"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Payload        string `json:"payload,omitempty"` // hex
	// Chunk splits a write payload into writes of at most this many bytes.
	Chunk int `json:"chunk,omitempty"`
}

type taskRequest struct {
	Mode       string             `json:"mode"` // "sync" (default) or "async"
	Operations []operationRequest `json:"operations"`
}

type operationResponse struct {
	Kind           string `json:"kind"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Result         string `json:"result"`
	Value          string `json:"value,omitempty"` // hex
}

type taskResponse struct {
	ID         string              `json:"id"`
	Mode       string              `json:"mode"`
	Done       bool                `json:"done"`
	Succeeded  bool                `json:"succeeded"`
	Operations []operationResponse `json:"operations,omitempty"`
}

// parseUUID accepts a full UUID or a 16-bit short form such as "2a19".
func parseUUID(s string) (uuid.UUID, error) {
	if len(s) == 4 {
		short, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid short UUID %q", s)
		}
		return ble.ShortUUID(uint16(short)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID %q", s)
	}
	return u, nil
}

func (req operationRequest) operations() ([]*ble.Operation, error) {
	kind, err := ble.ParseOpKind(req.Kind)
	if err != nil {
		return nil, err
	}
	service, err := parseUUID(req.Service)
	if err != nil {
		return nil, err
	}
	char, err := parseUUID(req.Characteristic)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if req.Payload != "" {
		if payload, err = hex.DecodeString(req.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if req.Chunk < 0 {
		return nil, fmt.Errorf("invalid chunk size %d", req.Chunk)
	}
	switch kind {
	case ble.OpWrite, ble.OpWriteNoResponse:
		withResponse := kind == ble.OpWrite
		if req.Chunk > 0 {
			return ble.WriteChunked(service, char, payload, req.Chunk, withResponse), nil
		}
		if withResponse {
			return []*ble.Operation{ble.Write(service, char, payload)}, nil
		}
		return []*ble.Operation{ble.WriteNoResponse(service, char, payload)}, nil
	case ble.OpCheck:
		return []*ble.Operation{ble.Check(service, char)}, nil
	case ble.OpListen:
		return []*ble.Operation{ble.Listen(service, char)}, nil
	default:
		return []*ble.Operation{ble.Read(service, char)}, nil
	}
}

func describeTask(t *ble.Task, done bool) taskResponse {
	resp := taskResponse{
		ID:        t.ID.String(),
		Mode:      t.Mode().String(),
		Done:      done,
		Succeeded: done && t.Succeeded(),
	}
	if !done {
		return resp
	}
	for _, op := range t.Operations() {
		o := operationResponse{
			Kind:           op.Kind.String(),
			Service:        op.Service.String(),
			Characteristic: op.Characteristic.String(),
			Result:         op.Result().String(),
		}
		if v := op.Value(); len(v) > 0 {
			o.Value = hex.EncodeToString(v)
		}
		resp.Operations = append(resp.Operations, o)
	}
	return resp
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Operations) == 0 {
		s.respondError(w, http.StatusBadRequest, "operations must not be empty")
		return
	}
	ops := make([]*ble.Operation, 0, len(req.Operations))
	for i, o := range req.Operations {
		expanded, err := o.operations()
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("operation %d: %v", i, err))
			return
		}
		ops = append(ops, expanded...)
	}

	switch req.Mode {
	case "", "sync":
		s.submitSync(w, r, ops)
	case "async":
		s.submitAsync(w, r, ops)
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
	}
}

func (s *Server) submitSync(w http.ResponseWriter, r *http.Request, ops []*ble.Operation) {
	t := ble.NewSyncTask(ops...)
	ctx, cancel := context.WithTimeout(r.Context(), s.taskTimeout)
	defer cancel()

	err := s.mgr.SubmitContext(ctx, t)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, describeTask(t, true))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The task stays queued; its outcome can be fetched later.
		s.track(t)
		s.respondJSON(w, http.StatusGatewayTimeout, describeTask(t, false))
	default:
		s.respondManagerError(w, err)
	}
}

func (s *Server) submitAsync(w http.ResponseWriter, r *http.Request, ops []*ble.Operation) {
	t := ble.NewAsyncTask(func(t *ble.Task) { s.store(describeTask(t, true)) }, ops...)
	s.store(describeTask(t, false))
	if err := s.mgr.SubmitContext(r.Context(), t); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": t.ID.String()})
}

// track records a sync task that outlived its request.
func (s *Server) track(t *ble.Task) {
	s.store(describeTask(t, false))
	go func() {
		<-t.Done()
		s.store(describeTask(t, true))
	}()
}

func (s *Server) store(resp taskResponse) {
	id := uuid.MustParse(resp.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		s.order = append(s.order, id)
		if len(s.order) > maxResults {
			delete(s.results, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.results[id] = resp
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	s.mu.Lock()
	resp, ok := s.results[id]
	s.mu.Unlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}
