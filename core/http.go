package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON 写出 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("write json error", "error", err)
	}
}

// WriteError writes {"detail": ...} the way every endpoint reports failures.
func WriteError(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, map[string]string{"detail": detail})
}
