package middleware

import (
	"net/http"
	"strings"

	"github.com/nkiryanov/carepass/internal/handlers/actorctx"
	"github.com/nkiryanov/carepass/internal/handlers/render"
	"github.com/nkiryanov/carepass/internal/models"
)

type actorParser interface {
	Parse(access string) (models.Actor, error)
}

// ActorMiddleware requires a staff bearer token and puts the actor it names into the request context
func ActorMiddleware(p actorParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, ok := bearerToken(r)
			if !ok {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			actor, err := p.Parse(access)
			if err != nil {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			noteActor(w, actor.ID)
			ctx := actorctx.New(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}
