package session

import (
	"github.com/danmuck/amictl/internal/protocol/frame"
)

// LoginAction builds the handshake action for creds.
func LoginAction(creds Credentials) frame.Action {
	a := frame.NewAction("Login")
	a.Set("Username", creds.Username)
	a.Set("Secret", creds.Secret)
	a.Set("Events", eventsFlag(creds.Events))
	return a
}

// LogoffAction politely ends the remote session before an explicit disconnect.
func LogoffAction() frame.Action {
	return frame.NewAction("Logoff")
}

func eventsFlag(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
