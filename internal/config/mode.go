package config

import (
	"net/url"
	"os"

	"github.com/soyeahso/porchlight/internal/domain"
)

// ModeSource records which input decided the chat mode or token.
type ModeSource string

const (
	SourceExplicit ModeSource = "explicit"
	SourceQuery    ModeSource = "query"
	SourceEnv      ModeSource = "env"
	SourceFallback ModeSource = "fallback"
)

// Session is the chat identity resolved once at startup.
type Session struct {
	Mode        domain.Mode
	ModeSource  ModeSource
	Token       string
	TokenSource ModeSource
	URL         string
}

// ResolveMode picks the chat mode. Precedence: explicit override, then the
// page URL query (admin=true), then the environment default, then visitor.
// An unrecognised explicit or environment value is ignored.
func ResolveMode(explicit, pageURL, envMode string) (domain.Mode, ModeSource) {
	if m, ok := parseMode(explicit); ok {
		return m, SourceExplicit
	}
	if q := parseQuery(pageURL); q != nil && q.Get("admin") == "true" {
		return domain.ModeAdmin, SourceQuery
	}
	if m, ok := parseMode(envMode); ok {
		return m, SourceEnv
	}
	return domain.ModeVisitor, SourceFallback
}

// ResolveToken picks the admin token with the same precedence as ResolveMode.
func ResolveToken(explicit, pageURL, envToken string) (string, ModeSource) {
	if explicit != "" {
		return explicit, SourceExplicit
	}
	if q := parseQuery(pageURL); q != nil && q.Get("token") != "" {
		return q.Get("token"), SourceQuery
	}
	if envToken != "" {
		return envToken, SourceEnv
	}
	return "", SourceFallback
}

// ResolveSession resolves mode, token and endpoint for one run. The
// environment default is PORCHLIGHT_CHAT_MODE / PORCHLIGHT_ADMIN_TOKEN, then
// the config file's chat section.
func ResolveSession(cfg Config, explicitMode, explicitToken, pageURL string) Session {
	envMode := os.Getenv("PORCHLIGHT_CHAT_MODE")
	if envMode == "" {
		envMode = cfg.Chat.Mode
	}
	envToken := os.Getenv("PORCHLIGHT_ADMIN_TOKEN")
	if envToken == "" {
		envToken = cfg.Chat.AdminToken
	}

	s := Session{}
	s.Mode, s.ModeSource = ResolveMode(explicitMode, pageURL, envMode)
	s.Token, s.TokenSource = ResolveToken(explicitToken, pageURL, envToken)
	s.URL = cfg.Chat.VisitorURL
	if s.Mode == domain.ModeAdmin {
		s.URL = cfg.Chat.AdminURL
	}
	return s
}

func parseMode(s string) (domain.Mode, bool) {
	switch domain.Mode(s) {
	case domain.ModeVisitor:
		return domain.ModeVisitor, true
	case domain.ModeAdmin:
		return domain.ModeAdmin, true
	}
	return "", false
}

func parseQuery(pageURL string) url.Values {
	if pageURL == "" {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	return u.Query()
}
