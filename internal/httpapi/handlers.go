package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sharedtimer/relay-backend/internal/registry"
)

// ListLobbies returns the ids of every live lobby, for the discovery UI.
func ListLobbies(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []string, 1)
		reg.Inbox() <- registry.List{Reply: reply}
		ids := <-reply

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ids)
	}
}

func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
