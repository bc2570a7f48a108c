package ss

import (
	"context"
	"fmt"
	"time"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/proto"
)

// NMLink is the storage server's outbound side of the naming-manager
// relationship: registration, periodic heartbeats, and post-commit
// notifications that trigger replication fan-out. Every call opens a short
// connection; the naming manager identifies the server by ssId, not by
// socket.
type NMLink struct {
	cfg config.SSConfig
}

// NewNMLink builds the link from the server configuration.
func NewNMLink(cfg config.SSConfig) *NMLink {
	return &NMLink{cfg: cfg}
}

func (l *NMLink) call(req *proto.Message) (*proto.Message, error) {
	return proto.Call(l.cfg.NMAddr, l.cfg.NMPort, req)
}

// Register announces this server and its endpoints. The data port must
// already be bound when this is called.
func (l *NMLink) Register(_ context.Context) error {
	resp, err := l.call(&proto.Message{
		Type:       proto.TypeSSRegister,
		SSID:       l.cfg.ID,
		SSCtrlPort: l.cfg.CtrlPort,
		SSDataPort: l.cfg.DataPort,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("registration rejected: %w", proto.StatusError(resp.Status))
	}
	return nil
}

// HeartbeatLoop sends SS_HEARTBEAT at the configured interval until ctx is
// cancelled. Failures are logged and retried on the next tick; the naming
// manager marks the server down on its own timeout.
func (l *NMLink) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.call(&proto.Message{Type: proto.TypeSSHeartbeat, SSID: l.cfg.ID}); err != nil {
				logger.Warn("heartbeat failed", "ss_id", l.cfg.ID, "error", err)
			}
		}
	}
}

// Commit tells the naming manager the file's committed bytes changed.
// Best-effort: replication is eventually consistent and the next commit
// retriggers it.
func (l *NMLink) Commit(file string) {
	if _, err := l.call(&proto.Message{Type: proto.TypeSSCommit, File: file, SSID: l.cfg.ID}); err != nil {
		logger.Warn("commit notification failed", "file", file, "error", err)
	}
}

// Checkpoint tells the naming manager a named checkpoint was written.
func (l *NMLink) Checkpoint(file, name string) {
	if _, err := l.call(&proto.Message{Type: proto.TypeSSCheckpoint, File: file, Name: name, SSID: l.cfg.ID}); err != nil {
		logger.Warn("checkpoint notification failed", "file", file, "name", name, "error", err)
	}
}
