package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/api"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
)

type actorKey struct{}

// requireUser отклоняет запросы без X-User-ID.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(headerUserID))
		if userID == "" {
			writeError(w, domain.Errorf(api.KindUnauthorized, "%s header is required", headerUserID))
			return
		}
		actor := ordering.Actor{
			UserID: userID,
			Admin:  strings.EqualFold(strings.TrimSpace(r.Header.Get(headerUserRole)), roleAdmin),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// requireAdmin пропускает только администраторов; ставится после requireUser.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).Admin {
			writeError(w, domain.Errorf(api.KindForbidden, "admin role is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) ordering.Actor {
	actor, _ := ctx.Value(actorKey{}).(ordering.Actor)
	return actor
}
