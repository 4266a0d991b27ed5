package rest

import (
	"net/http"

	"github.com/opsmailer/mailing-service/internal/transport/rest/response"
)

func data(w http.ResponseWriter, status int, payload any) {
	response.Data(w, status, payload)
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}
