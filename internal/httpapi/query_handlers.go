package httpapi

import (
	"errors"
	"net/http"

	"saleslens.org/internal/obs"
	"saleslens.org/internal/query"
)

const msgNotProcessed = "could not process that question"

type askRequest struct {
	Question string `json:"question"`
}

type feedbackRequest struct {
	RequestID string `json:"request_id"`
	Positive  bool   `json:"positive"`
	Message   string `json:"message"`
}

func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.questions.Run(r.Context(), tokenFromRequest(r.Context()), req.Question)
	if err != nil {
		handleQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := a.questions.Explain(r.Context(), tokenFromRequest(r.Context()), req.Question)
	if err != nil {
		handleQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.questions.Feedback(r.Context(), tokenFromRequest(r.Context()), req.RequestID, req.Positive, req.Message)
	if err != nil {
		handleQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleQueryError keeps failure detail in operator logs; clients only learn
// whether to sign in again, fix their input, or rephrase.
func handleQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrUnauthorized):
		writeSessionError(w, r, err)
	case errors.Is(err, query.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "question or request id is missing or too long")
	case errors.Is(err, query.ErrForbiddenStatementType):
		writeError(w, r, http.StatusUnprocessableEntity, msgNotProcessed)
	case errors.Is(err, query.ErrGeneration), errors.Is(err, query.ErrExecution):
		writeError(w, r, http.StatusBadGateway, msgNotProcessed)
	default:
		obs.Log(obs.LevelError, "query failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, msgNotProcessed)
	}
}
