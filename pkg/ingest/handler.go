package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/httpx"
)

// maxBodyBytes bounds one ingest request body.
const maxBodyBytes = 8 << 20

// Handler handles lane flow ingestion over HTTP.
type Handler struct {
	writer *Writer
}

// NewHandler creates a new ingest handler
func NewHandler(writer *Writer) *Handler {
	return &Handler{writer: writer}
}

// IngestRequest represents the request payload
type IngestRequest struct {
	Flows []flow.LaneFlow `json:"flows"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status string `json:"status"`
	Result
}

// DecodeRequest parses and validates a payload. Shared by every transport.
func DecodeRequest(data []byte) ([]flow.LaneFlow, error) {
	var req IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return req.Flows, validate(req.Flows)
}

func validate(flows []flow.LaneFlow) error {
	if len(flows) > config.MaxFlowsPerRequest {
		return fmt.Errorf("too many flows: %d (max %d)", len(flows), config.MaxFlowsPerRequest)
	}
	for i, lf := range flows {
		if err := lf.Validate(); err != nil {
			return fmt.Errorf("invalid lane flow at index %d: %w", i, err)
		}
	}
	return nil
}

// HandleIngest handles POST /v1/lanes/flows
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req IngestRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate(req.Flows); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	res, err := h.writer.Write(ctx, req.Flows)
	if err != nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, IngestResponse{Status: "success", Result: res})
}
