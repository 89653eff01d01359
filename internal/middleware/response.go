package middleware

import (
	"net/http"

	apperrors "github.com/ailways/study-relay/internal/errors"
	"github.com/ailways/study-relay/internal/httputil"
)

func writeError(w http.ResponseWriter, status int, err *apperrors.AppError) {
	httputil.WriteErrorWithStatus(w, status, err)
}
