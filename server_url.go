package main

import (
	"fmt"
	"net"
	"strings"
)

const (
	sessionPath = "/ws"
	statsPath   = "/api/stats"
)

// endpoints are the URLs an operator hands to peers and dashboards at startup.
type endpoints struct {
	Session string
	Stats   string
}

// advertisedEndpoints derives the session socket and stats URLs for the listener address.
// TLS upgrades both schemes together since they share one listener.
func advertisedEndpoints(address string, tlsEnabled bool) endpoints {
	wsScheme, httpScheme := "ws", "http"
	if tlsEnabled {
		wsScheme, httpScheme = "wss", "https"
	}
	host := normaliseHostPort(address)
	return endpoints{
		Session: fmt.Sprintf("%s://%s%s", wsScheme, host, sessionPath),
		Stats:   fmt.Sprintf("%s://%s%s", httpScheme, host, statsPath),
	}
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.Trim(strings.TrimSpace(host), "[]") {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
