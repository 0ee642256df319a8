package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/opsgym/assessd/internal/auth"
)

// RequireAPIToken guards the admin surface with the API_TOKEN bearer token.
func RequireAPIToken(next http.Handler) http.Handler {
	want := os.Getenv("API_TOKEN")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(got, "Bearer ")
		if !ok || !auth.TokenEqual(tok, want) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
