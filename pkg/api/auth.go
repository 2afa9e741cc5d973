package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/credmesh/credmesh/pkg/problem"
)

// Role is a caller role on the query surface.
type Role string

const (
	RoleExec             Role = "exec"
	RoleTruthOwner       Role = "truth_owner"
	RoleDRI              Role = "dri"
	RoleCoherenceSteward Role = "coherence_steward"
)

func validCallerRole(r Role) bool {
	switch r {
	case RoleExec, RoleTruthOwner, RoleDRI, RoleCoherenceSteward:
		return true
	}
	return false
}

// roleClaims is the JWT claim set the API accepts.
type roleClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CallerRole resolves the caller's role: an X-Role header first, then a
// Bearer token signed with the configured key. Returns "" when neither is
// present or valid.
func (s *Server) CallerRole(r *http.Request) Role {
	if h := r.Header.Get("X-Role"); h != "" {
		role := Role(h)
		if validCallerRole(role) {
			return role
		}
		return ""
	}

	auth := r.Header.Get("Authorization")
	if s.jwtKey == nil || !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	claims := &roleClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return ""
	}
	role := Role(claims.Role)
	if !validCallerRole(role) {
		return ""
	}
	return role
}

// requireRole wraps a handler so only the given roles reach it. A caller
// with no resolvable role gets 401; a known caller without the role gets 403.
func (s *Server) requireRole(next http.HandlerFunc, roles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := s.CallerRole(r)
		if caller == "" {
			problem.WriteUnauthorized(w, "set X-Role or a Bearer token")
			return
		}
		for _, role := range roles {
			if caller == role {
				next(w, r)
				return
			}
		}
		problem.WriteForbidden(w, "role "+string(caller)+" may not perform this operation")
	}
}
