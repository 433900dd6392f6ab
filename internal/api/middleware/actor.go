package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/agentloom/agentloom/orchestrator/pkg/middleware"
)

// ActorExtractor attributes the request to an acting identity for
// approval decisions and audit entries. It checks the X-Actor header,
// then the actor query parameter. Requests without either stay
// anonymous; handlers that require an actor reject those themselves.
func ActorExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Actor"))
		if actor == "" {
			actor = strings.TrimSpace(r.URL.Query().Get("actor"))
		}
		if actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetActor(r.Context(), actor)))
	})
}
