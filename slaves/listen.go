package slaves

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// runListen keeps a long-poll session open against the slave and
// replays the events it delivers. The first request of each session
// uses a one-second timeout so the connection gets validated quickly;
// subsequent requests stretch to the keepalive interval.
func (s *Slave) runListen(ctx context.Context) {
	for ctx.Err() == nil {
		sessionID := listenSessionID(s.manager.deviceName(ctx))
		s.mu.Lock()
		s.listenSessionID = sessionID
		s.mu.Unlock()
		s.logger.Debug("listen session started", "session_id", sessionID)

		timeoutS := 1
		for ctx.Err() == nil {
			received, err := s.listenRequest(ctx, sessionID, timeoutS)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Debug("listen request failed", "error", err)
				s.setOffline(ctx)
				if !sleepCtx(ctx, s.client.retryCfg.InitialDelay) {
					return
				}
				break // start a fresh session
			}

			if !s.IsOnline() {
				s.setOnline(ctx)
			}
			for _, entry := range received {
				event, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				eventType, _ := event["type"].(string)
				params, _ := event["params"].(map[string]any)
				if err := s.HandleDeviceEvent(ctx, eventType, params); err != nil {
					s.logger.Warn("listen event rejected",
						"type", eventType, "error", err)
				}
			}

			timeoutS = int(s.client.keepalive / time.Second)
		}
	}
}

// maxSessionIDLen is the session id limit enforced on /listen.
const maxSessionIDLen = 32

// listenSessionID derives the long-poll session id from the master's
// device name plus a random suffix. The name is truncated so the
// whole id stays within the /listen limit.
func listenSessionID(name string) string {
	suffix := uuid.NewString()[:8]
	if max := maxSessionIDLen - len(suffix) - 1; len(name) > max {
		name = name[:max]
	}
	return fmt.Sprintf("%s-%s", name, suffix)
}

// listenRequest issues one long-poll round. The HTTP deadline leaves
// headroom over the advertised poll timeout.
func (s *Slave) listenRequest(ctx context.Context, sessionID string,
	timeoutS int) ([]any, error) {

	httpTimeout := time.Duration(timeoutS)*time.Second + s.client.timeout
	result, err := s.client.request(ctx, "GET",
		fmt.Sprintf("/listen?timeout=%d", timeoutS), nil, httpTimeout,
		map[string]string{"Session-Id": sessionID})
	if err != nil {
		return nil, err
	}
	received, _ := result.([]any)
	return received, nil
}

// ListenSessionID exposes the current long-poll session id.
func (s *Slave) ListenSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenSessionID
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
