// Package command builds the script snippets shipped to the remote
// shell. Callers upstream treat script text as opaque; everything
// that knows AppleScript or shell syntax lives here.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel keys for the persistent streams. Application commands use
// the application id as the key.
const (
	ChannelSystem    = "system"
	ChannelHeartbeat = "heartbeat"
)

// Source supplies one runnable remote command. The transport layers
// treat the text as opaque; only the channel key and description feed
// routing and timeouts.
type Source interface {
	Text() string
	Description() string
	ChannelKey() string
}

// Script is one runnable remote command with its routing and timeout
// classification metadata.
type Script struct {
	text        string
	description string
	channel     string
}

// Text returns the command text to ship to the remote shell.
func (s Script) Text() string { return s.text }

// Description classifies the script for timeouts and logs. It never
// reaches the remote host.
func (s Script) Description() string { return s.description }

// ChannelKey names the persistent channel the script runs on. Empty
// means an ephemeral one-shot session.
func (s Script) ChannelKey() string { return s.channel }

var _ Source = Script{}

// HeartbeatProbe echoes the token back so the supervisor can match
// the reply to this probe.
func HeartbeatProbe(token string) Script {
	return Script{
		text:        "echo " + token,
		description: "heartbeat probe",
		channel:     ChannelHeartbeat,
	}
}

// GetVolume reads the current output volume (0-100).
func GetVolume() Script {
	return Script{
		text:        `osascript -e 'output volume of (get volume settings)'`,
		description: "get volume",
		channel:     ChannelSystem,
	}
}

// SetVolume sets the output volume. Levels outside 0-100 are clamped.
func SetVolume(level int) Script {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return Script{
		text:        fmt.Sprintf(`osascript -e 'set volume output volume %d'`, level),
		description: "set volume",
		channel:     ChannelSystem,
	}
}

// SetMuted mutes or unmutes the output.
func SetMuted(muted bool) Script {
	return Script{
		text:        fmt.Sprintf(`osascript -e 'set volume output muted %t'`, muted),
		description: "set volume muted",
		channel:     ChannelSystem,
	}
}

// GetMuted reads the mute flag.
func GetMuted() Script {
	return Script{
		text:        `osascript -e 'output muted of (get volume settings)'`,
		description: "get volume muted",
		channel:     ChannelSystem,
	}
}

// AppScript wraps an application-targeted AppleScript one-liner on
// that application's own channel, so slow apps never stall system
// commands.
func AppScript(appID, body, description string) Script {
	return Script{
		text:        fmt.Sprintf(`osascript -e 'tell application %s to %s'`, strconv.Quote(appID), body),
		description: description,
		channel:     appID,
	}
}

// Raw wraps caller-supplied shell text for an ephemeral session.
func Raw(text, description string) Script {
	return Script{
		text:        strings.TrimSpace(text),
		description: description,
	}
}

// ParseVolume parses the remote reply to GetVolume.
func ParseVolume(out string) (int, error) {
	level, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unreadable volume reply %q: %w", out, err)
	}
	if level < 0 || level > 100 {
		return 0, fmt.Errorf("volume reply %d out of range", level)
	}
	return level, nil
}

// ParseMuted parses the remote reply to GetMuted.
func ParseMuted(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("unreadable muted reply %q", out)
}
