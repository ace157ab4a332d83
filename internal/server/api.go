package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/cmdfilter"
	"github.com/lawnchairsociety/qlcbridge/internal/dispatch"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"github.com/lawnchairsociety/qlcbridge/internal/poller"
	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
	"github.com/lawnchairsociety/qlcbridge/internal/throttle"
)

// commandRequest is the body of POST /api/command and of each /ws message.
// Target and Targets are merged, Target first.
type commandRequest struct {
	ID      string   `json:"id,omitempty"`
	Command string   `json:"command"`
	Target  string   `json:"target,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

func (c commandRequest) dispatchRequest() dispatch.Request {
	targets := make([]string, 0, len(c.Targets)+1)
	if c.Target != "" {
		targets = append(targets, c.Target)
	}
	targets = append(targets, c.Targets...)
	return dispatch.Request{Command: c.Command, Targets: targets}
}

type commandResponse struct {
	ID       string `json:"id,omitempty"`
	Response string `json:"response"`
	Target   string `json:"target,omitempty"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type instanceHealth struct {
	Instance string `json:"instance"`
	poller.Health
}

type healthResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Connections   int              `json:"connections"`
	Instances     []instanceHealth `json:"instances"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	body := http.MaxBytesReader(w, r.Body, s.maxMessageSize())
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp := s.dispatch(r.Context(), req, requestIDFrom(r.Context()))
	status := http.StatusOK
	if resp.Error != "" {
		status = statusFor(resp.err)
	}
	writeJSON(w, status, resp.commandResponse)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, _ := s.connLimiter.Stats()
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.StartTime).Seconds()),
		Connections:   total,
		Instances:     make([]instanceHealth, 0, len(s.pollers)),
	}
	for _, p := range s.pollers {
		h := p.Health()
		if !h.Healthy {
			resp.Status = "degraded"
		}
		resp.Instances = append(resp.Instances, instanceHealth{Instance: p.Instance(), Health: h})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWidgets(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("instance")
	for _, p := range s.pollers {
		if p.Instance() != name {
			continue
		}
		snap, ok := p.Latest()
		if !ok {
			writeError(w, http.StatusNotFound, "no snapshot yet")
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeError(w, http.StatusNotFound, "unknown instance")
}

// handleClient serves JSON command requests on one connection, one at a time.
func (s *Server) handleClient(client Client, clientIP string) {
	logger.Info("WebSocket client connected", "remote_addr", client.RemoteAddr(), "client_ip", clientIP)
	defer logger.Info("WebSocket client disconnected", "remote_addr", client.RemoteAddr())

	limiter := throttle.NewTracker(throttle.ConfigFromYAML(s.cfg.CommandRate.MaxCommands, s.cfg.CommandRate.WindowSeconds))

	for {
		msg, err := client.ReadMessage()
		if err != nil {
			return
		}

		var req commandRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			if err := client.WriteJSON(commandResponse{Error: "invalid JSON message"}); err != nil {
				return
			}
			continue
		}

		if result := limiter.Check(); !result.Allowed {
			logger.Warning("WebSocket client throttled", "client_ip", clientIP, "wait", result.Wait)
			if err := client.WriteJSON(commandResponse{ID: req.ID, Error: "too many commands, slow down", Kind: "throttled"}); err != nil {
				return
			}
			continue
		}

		resp := s.dispatch(s.ctx, req, req.ID)
		if err := client.WriteJSON(resp.commandResponse); err != nil {
			logger.Debug("WebSocket write failed", "remote_addr", client.RemoteAddr(), "error", err)
			return
		}
	}
}

type dispatchResult struct {
	commandResponse
	err error
}

func (s *Server) dispatch(ctx context.Context, req commandRequest, id string) dispatchResult {
	if result := s.filter.Check(req.Command); !result.Allowed {
		logger.Warning("Command blocked by filter", "command", req.Command, "request_id", id)
		return dispatchResult{
			commandResponse: commandResponse{ID: id, Error: result.Reason, Kind: "blocked"},
			err:             cmdfilter.ErrBlocked,
		}
	}

	resp, err := s.registry.Dispatch(ctx, req.dispatchRequest())
	out := dispatchResult{commandResponse: commandResponse{
		ID:       id,
		Response: resp.Response,
		Target:   resp.Target,
	}}
	if err != nil {
		out.Error = err.Error()
		out.err = err
		var qerr *qlc.Error
		if errors.As(err, &qerr) {
			out.Kind = qerr.Kind.String()
		}
	}
	return out
}

// statusFor maps a dispatch failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrEmptyCommand), errors.Is(err, qlc.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, cmdfilter.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, qlc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, qlc.ErrAuth), errors.Is(err, qlc.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) maxMessageSize() int64 {
	if s.cfg.MaxMessageSize > 0 {
		return s.cfg.MaxMessageSize
	}
	return 4096
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
