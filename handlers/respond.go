package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"mahoyaAPI/internal/apperr"
)

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithAppError picks the status from the error kind. Server-side
// failures are logged and hidden from the client.
func respondWithAppError(w http.ResponseWriter, op string, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		log.Printf("%s: %v", op, err)
		if code == http.StatusServiceUnavailable {
			respondWithError(w, code, "Service temporarily unavailable")
			return
		}
		respondWithError(w, code, "Internal server error")
		return
	}
	respondWithError(w, code, err.Error())
}
