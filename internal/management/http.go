package management

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// RequestHandler answers card requests; ApplicationManager implements it.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req types.CardRequest) types.CardResponse
}

// HTTPHandler exposes the card requests as a small JSON API.
type HTTPHandler struct {
	requests RequestHandler
	logger   *logging.Logger
}

func NewHTTPHandler(requests RequestHandler) *HTTPHandler {
	return &HTTPHandler{
		requests: requests,
		logger:   logging.GetLogger("http"),
	}
}

// SetupRoutes configures the API routes on a new router.
func (h *HTTPHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", h.Healthz).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/cards", h.command(types.CmdList)).Methods("GET")
	api.HandleFunc("/presets", h.command(types.CmdPresets)).Methods("GET")
	api.HandleFunc("/cards/{id}", h.command(types.CmdState)).Methods("GET")
	api.HandleFunc("/cards/{id}/signal", h.command(types.CmdSignal)).Methods("GET")
	api.HandleFunc("/cards/{id}/tune", h.command(types.CmdTune)).Methods("POST")
	api.HandleFunc("/cards/{id}/scan", h.command(types.CmdTuneScan)).Methods("POST")
	api.HandleFunc("/cards/{id}/timeshift", h.command(types.CmdTimeShiftStart)).Methods("POST")
	api.HandleFunc("/cards/{id}/timeshift", h.command(types.CmdTimeShiftStop)).Methods("DELETE")
	api.HandleFunc("/cards/{id}/recording", h.command(types.CmdRecordStart)).Methods("POST")
	api.HandleFunc("/cards/{id}/recording", h.command(types.CmdRecordStop)).Methods("DELETE")
	api.HandleFunc("/cards/{id}/dispose", h.command(types.CmdDispose)).Methods("POST")

	return router
}

func (h *HTTPHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

// command builds a handler that decodes an optional CardRequest body, fills
// in the command and card from the route, and writes the response.
func (h *HTTPHandler) command(cmd types.CardCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CardRequest
		if r.Body != nil {
			err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
			if err != nil && !errors.Is(err, io.EOF) {
				h.writeJSON(w, http.StatusBadRequest, types.CardResponse{Error: "invalid request body: " + err.Error()})
				return
			}
		}
		req.Command = cmd
		req.Card = types.DeviceID(mux.Vars(r)["id"])
		if preset := r.URL.Query().Get("preset"); preset != "" {
			req.Preset = preset
		}

		resp := h.requests.HandleRequest(r.Context(), req)
		h.writeJSON(w, statusFor(resp), resp)
	}
}

func statusFor(resp types.CardResponse) int {
	switch {
	case resp.OK:
		return http.StatusOK
	case strings.HasPrefix(resp.Error, errUnknownCard.Error()):
		return http.StatusNotFound
	case resp.Status != nil:
		// the card ran the operation and refused it
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}
