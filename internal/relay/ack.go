// ack.go

package relay

import (
	"time"

	"nfc-relay/internal/protocol"
)

// Identity describes the deployment reported in connection_ack and /health.
type Identity struct {
	ProjectDomain string
	Version       string
}

// ServerInfo renders the identity the way clients expect it.
func (id Identity) ServerInfo() protocol.ServerInfo {
	info := protocol.ServerInfo{
		Platform: "Local",
		Project:  "local",
		Version:  id.Version,
	}
	if id.ProjectDomain != "" {
		info.Platform = "Glitch"
		info.Project = id.ProjectDomain
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	return info
}

// connectionAck builds the frame sent once per registration.
func connectionAck(id string, identity Identity, now time.Time) ([]byte, error) {
	return protocol.Encode(protocol.EventConnectionAck, protocol.ConnectionAck{
		Status:     "connected",
		ID:         id,
		ServerTime: protocol.FormatTime(now),
		ServerInfo: identity.ServerInfo(),
	})
}

// pong builds the reply to a liveness probe.
func pong(id string, now time.Time) ([]byte, error) {
	return protocol.Encode(protocol.EventPong, protocol.Pong{
		ServerTime: protocol.FormatTime(now),
		ClientID:   id,
	})
}
