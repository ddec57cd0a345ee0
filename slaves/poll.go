package slaves

import (
	"context"
	"time"
)

// runPoll synchronizes the slave on its configured interval. Device
// attributes are diffed every round; the port list is diffed once the
// slave is ready.
func (s *Slave) runPoll(ctx context.Context) {
	s.mu.Lock()
	interval := time.Duration(s.pollInterval) * time.Second
	s.mu.Unlock()

	// First round immediately so a freshly enabled slave does not wait
	// out a whole interval before coming online.
	s.pollOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Slave) pollOnce(ctx context.Context) {
	if s.IsFirmwareUpdating() {
		return
	}

	attrs, err := s.fetchDeviceAttrs(ctx)
	if err != nil {
		s.logger.Debug("poll failed", "error", err)
		s.setOffline(ctx)
		return
	}

	if !s.IsOnline() {
		// setOnline replays provisioning and runs the full fetch.
		s.setOnline(ctx)
		return
	}

	if err := s.handleDeviceAttrs(ctx, attrs); err != nil {
		s.logger.Warn("cannot apply device attributes", "error", err)
		return
	}
	if s.IsReady() {
		if err := s.pollPorts(ctx); err != nil {
			s.logger.Debug("port poll failed", "error", err)
			s.setOffline(ctx)
		}
	}
}

// pollPorts diffs the remote port list against the local mirrors.
func (s *Slave) pollPorts(ctx context.Context) error {
	result, err := s.client.Request(ctx, "GET", "/ports", nil, 0)
	if err != nil {
		return err
	}
	portList, _ := result.([]any)

	seen := map[string]struct{}{}
	for _, entry := range portList {
		attrs, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		remoteID, _ := attrs["id"].(string)
		if remoteID == "" {
			continue
		}
		seen[remoteID] = struct{}{}
		if err := s.handlePortUpdate(ctx, attrs); err != nil {
			s.logger.Error("cannot sync mirrored port",
				"remote_id", remoteID, "error", err)
		}
	}

	for _, p := range s.localPorts() {
		if _, ok := seen[p.RemoteID()]; !ok {
			if err := s.handlePortRemove(ctx, p.RemoteID()); err != nil {
				s.logger.Error("cannot drop vanished port",
					"remote_id", p.RemoteID(), "error", err)
			}
		}
	}

	s.mu.Lock()
	s.lastSync = s.now().Unix()
	s.mu.Unlock()
	return nil
}
