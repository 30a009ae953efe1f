package ice

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"voicerooms/pkg/webrtc/protocol"
)

const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Settings is the raw ICE configuration before mode rules are applied.
type Settings struct {
	Mode         string   `yaml:"mode"`
	STUNURLs     []string `yaml:"stun_urls"`
	TURNURLs     []string `yaml:"turn_urls"`
	TURNUsername string   `yaml:"turn_username"`
	TURNPassword string   `yaml:"turn_password"`
}

// SettingsFromEnv reads ICE settings, keeping base values for unset variables.
//
// Env vars:
// - STUN_URLS: comma-separated STUN URLs
// - TURN_URLS: comma-separated TURN URLs
// - TURN_USERNAME / TURN_PASSWORD: TURN credentials (if required)
// - ICE_MODE: stun-turn (default), turn-only, stun-only
func SettingsFromEnv(base Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("ICE_MODE")); v != "" {
		base.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("STUN_URLS")); v != "" {
		base.STUNURLs = SplitAndClean(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_URLS")); v != "" {
		base.TURNURLs = SplitAndClean(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_USERNAME")); v != "" {
		base.TURNUsername = v
	}
	if v := strings.TrimSpace(os.Getenv("TURN_PASSWORD")); v != "" {
		base.TURNPassword = v
	}
	return base
}

// Resolve applies the mode rules and returns the servers advertised to clients.
func Resolve(s Settings, logger *zap.Logger) (mode string, servers []protocol.ICEServer) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode = strings.TrimSpace(s.Mode)
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := strings.EqualFold(mode, ModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ModeSTUNOnly)

	if !turnOnly {
		if len(s.STUNURLs) > 0 {
			servers = append(servers, protocol.ICEServer{URLs: s.STUNURLs})
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if len(s.TURNURLs) > 0 {
			servers = append(servers, protocol.ICEServer{
				URLs:       s.TURNURLs,
				Username:   s.TURNUsername,
				Credential: s.TURNPassword,
			})
		} else if !turnOnly {
			logger.Info("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	logger.Info("ICE servers loaded", zap.String("mode", mode), zap.Int("servers", len(servers)))
	return mode, servers
}

// TURNConfigured reports whether any server carries credentials.
func TURNConfigured(servers []protocol.ICEServer) bool {
	for _, s := range servers {
		if s.Username != "" || s.Credential != "" {
			return true
		}
	}
	return false
}

// SplitAndClean splits a comma-separated list and drops blanks.
func SplitAndClean(csv string) []string {
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
