package http

import (
	"fmt"
	"net/http"

	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/internal/auth"
	dcontext "github.com/drand/ceremony/internal/context"
)

// version stamps responses with the coordinator version and refuses clients
// speaking an incompatible API. Callers that do not announce a version are
// served.
func (h *handler) version(next http.Handler) http.Handler {
	ours := common.GetAppVersion()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(common.VersionHeader, ours.String())
		if announced := r.Header.Get(common.VersionHeader); announced != "" {
			theirs, err := common.ParseVersion(announced)
			if err != nil || !ours.IsCompatible(theirs) {
				h.reply(w, http.StatusBadRequest, &ErrorResponse{
					Error: fmt.Sprintf("client version %q is not compatible with %s", announced, ours),
					Kind:  KindInvalidStateTransition,
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token of a request into an identity.
// Requests without credentials continue anonymously.
func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(dcontext.WithIdentity(r.Context(), id)))
	})
}

func (h *handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := dcontext.IdentityFromContext(r.Context()); !ok {
			h.fail(w, r, auth.ErrMissingToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}
