package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/chunk-pregen/internal/controller"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

const maxBodyBytes = 64 << 10

// startJobRequest POST /jobs 的內容
//
// blocks 為 true 時 x/z 為方塊座標，會換算成所在的 cell。
type startJobRequest struct {
	World  string `json:"world"`
	Radius int    `json:"radius"`
	Shape  string `json:"shape"`
	X      *int   `json:"x"`
	Z      *int   `json:"z"`
	Blocks bool   `json:"blocks"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.commands.List()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.commands.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if err := s.validator.ValidateBytes(body); err != nil {
		writeError(w, err)
		return
	}

	var req startJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if req.Blocks && req.X != nil && req.Z != nil {
		x, z := types.BlockToCell(*req.X), types.BlockToCell(*req.Z)
		req.X, req.Z = &x, &z
	}

	snap, err := s.commands.StartJob(r.Context(), controller.StartRequest{
		World:   req.World,
		Radius:  req.Radius,
		Shape:   req.Shape,
		CenterX: req.X,
		CenterZ: req.Z,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.commands.Pause(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.commands.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := s.commands.GetStatus()
	status["status"] = "ok"
	writeJSON(w, http.StatusOK, status)
}

// ============================================================================
// 回應輔助
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor 錯誤對應的 HTTP 狀態碼與訊息
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request: " + detail(err) + "."
	case errors.Is(err, controller.ErrJobNotFound), errors.Is(err, controller.ErrWorldNotFound):
		return http.StatusNotFound, controller.Describe(err)
	case errors.Is(err, controller.ErrJobTerminal):
		return http.StatusConflict, controller.Describe(err)
	case errors.Is(err, controller.ErrInvalidRadius),
		errors.Is(err, controller.ErrInvalidShape),
		errors.Is(err, controller.ErrInvalidCoordinates),
		errors.Is(err, controller.ErrAmbiguousID):
		return http.StatusBadRequest, controller.Describe(err)
	case errors.Is(err, controller.ErrControllerStopped):
		return http.StatusServiceUnavailable, controller.Describe(err)
	}
	return http.StatusInternalServerError, controller.Describe(err)
}

func detail(err error) string {
	msg := err.Error()
	prefix := ErrInvalidRequest.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
