package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
)

type authCtxKey struct{}

type authInfo struct {
	level    events.AccessLevel
	username string
}

// auth wraps a handler with bearer authentication and a minimum access
// level. Unauthenticated requests get 401, authenticated ones below
// the requirement get 403.
func (s *Server) auth(level events.AccessLevel, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if info.level < level {
			if info.level == events.AccessNone {
				s.writeError(w, errors.APIAuthenticationRequired)
			} else {
				s.writeError(w, errors.APIForbidden)
			}
			return
		}
		ctx := context.WithValue(r.Context(), authCtxKey{}, info)
		h(w, r.WithContext(ctx))
	})
}

// authenticate resolves the caller's access level from the bearer
// token. A missing token yields AccessNone without error; a present
// but invalid one is an authentication failure.
func (s *Server) authenticate(r *http.Request) (authInfo, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return authInfo{level: events.AccessNone}, nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return authInfo{}, errors.APIAuthenticationRequired
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	var usr string
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		if iss, _ := claims["iss"].(string); iss != "qToggle" {
			return nil, errors.New("bad issuer")
		}
		if ori, _ := claims["ori"].(string); ori != "consumer" {
			return nil, errors.New("bad origin")
		}
		usr, _ = claims["usr"].(string)
		level, err := events.ParseAccessLevel(usr)
		if err != nil {
			return nil, err
		}
		return []byte(s.deps.Device.PasswordHash(r.Context(), level)), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return authInfo{}, errors.APIAuthenticationRequired
	}

	if err := s.checkSkew(token.Claims.(jwt.MapClaims)); err != nil {
		return authInfo{}, err
	}

	level, _ := events.ParseAccessLevel(usr)
	return authInfo{level: level, username: usr}, nil
}

// checkSkew bounds |now - iat|. A token without iat is accepted.
func (s *Server) checkSkew(claims jwt.MapClaims) error {
	if s.maxSkew <= 0 {
		return nil
	}
	iat, ok := claims["iat"].(float64)
	if !ok {
		return nil
	}
	skew := time.Since(time.Unix(int64(iat), 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return errors.APIAuthenticationRequired.WithParams(
			map[string]any{"details": "token timestamp out of range"})
	}
	return nil
}

// access returns the auth info recorded by the auth wrapper.
func access(r *http.Request) authInfo {
	info, _ := r.Context().Value(authCtxKey{}).(authInfo)
	return info
}
