package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originChecker enforces the configured Origin allowlist on WebSocket
// upgrades.
type originChecker struct {
	allowed  map[string]struct{}
	allowAll bool
	log      *zap.Logger
}

func newOriginChecker(origins []string, log *zap.Logger) *originChecker {
	oc := &originChecker{
		allowed: make(map[string]struct{}, len(origins)),
		log:     log,
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			oc.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		oc.allowed[normalized] = struct{}{}
	}
	return oc
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (oc *originChecker) check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}
	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}
	if oc.allowAll {
		return true
	}
	if _, exists := oc.allowed[normalized]; exists {
		return true
	}
	oc.log.Warn("blocked connection from disallowed origin", zap.String("origin", originHeader))
	return false
}
