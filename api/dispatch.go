package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/reverse"
)

// Dispatcher adapts the server into the reverse channel's local call
// executor. Calls run through the regular routing and handlers with
// admin rights: the consumer already authenticated by signing its
// requests with this device's admin password.
func (s *Server) Dispatcher() reverse.Dispatcher {
	return func(ctx context.Context, method, path string, body any) (int, any) {
		var reqBody *bytes.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest,
					map[string]any{"error": "invalid-request"}
			}
			reqBody = bytes.NewReader(encoded)
		} else {
			reqBody = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, path, reqBody)
		if err != nil {
			return http.StatusBadRequest,
				map[string]any{"error": "invalid-request"}
		}
		req.Header.Set("Content-Type", "application/json")

		token, err := s.adminToken(ctx)
		if err != nil {
			s.logger.Error("cannot mint dispatch token", "error", err)
			return http.StatusInternalServerError,
				map[string]any{"error": "unexpected-error"}
		}
		req.Header.Set("Authorization", "Bearer "+token)

		recorder := &bufferRecorder{header: http.Header{},
			status: http.StatusOK}
		s.ServeHTTP(recorder, req)

		var decoded any
		if recorder.body.Len() > 0 {
			_ = json.Unmarshal(recorder.body.Bytes(), &decoded)
		}
		return recorder.status, decoded
	}
}

func (s *Server) adminToken(ctx context.Context) (string, error) {
	claims := jwt.MapClaims{
		"iss": "qToggle",
		"ori": "consumer",
		"usr": "admin",
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	hash := s.deps.Device.PasswordHash(ctx, events.AccessAdmin)
	return token.SignedString([]byte(hash))
}

// bufferRecorder captures an internally dispatched response.
type bufferRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (r *bufferRecorder) Header() http.Header { return r.header }

func (r *bufferRecorder) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

func (r *bufferRecorder) WriteHeader(status int) { r.status = status }
