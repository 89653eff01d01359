package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	httputil.WriteData(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.InvalidInput("body", "Invalid request body").WithStatus(http.StatusBadRequest)
	}
	return nil
}

func missing(field string) error {
	return apperrors.MissingRequired(field).WithStatus(http.StatusBadRequest)
}
