package user

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	myMiddleware "go-chat/internal/middleware"
)

// Registrar records users that authenticate with a valid token.
type Registrar interface {
	Ensure(ctx context.Context, id, username string) error
}

// Remember makes sure every authenticated user has a directory entry,
// since accounts are created by a separate service. It must run after
// the auth middleware. Each user is registered once per process.
func Remember(reg Registrar, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	var seen sync.Map
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, username, ok := myMiddleware.UserFromContext(r.Context()); ok {
				if _, known := seen.Load(id); !known {
					if err := reg.Ensure(r.Context(), id, username); err != nil {
						log.Warn("register user", zap.String("user_id", id), zap.Error(err))
					} else {
						seen.Store(id, struct{}{})
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
