package audit

import (
	"context"
	"unicode/utf8"
)

const (
	maxUserAgentLength = 100
	unknownAddress     = "unknown"
	unknownUserAgent   = "Unknown"
)

type sourceContextKey struct{}

// Source identifies the client behind an audited request.
type Source struct {
	ClientIP  string
	UserAgent string
}

// NewSource normalises a client address and user agent, truncating the agent
// to 100 characters.
func NewSource(clientIP, userAgent string) Source {
	if clientIP == "" {
		clientIP = unknownAddress
	}
	if userAgent == "" {
		userAgent = unknownUserAgent
	}
	if utf8.RuneCountInString(userAgent) > maxUserAgentLength {
		runes := []rune(userAgent)
		userAgent = string(runes[:maxUserAgentLength])
	}
	return Source{ClientIP: clientIP, UserAgent: userAgent}
}

// WithSource returns a context carrying source.
func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// SourceFromContext returns the source stored in ctx, or an unknown source.
func SourceFromContext(ctx context.Context) Source {
	if ctx != nil {
		if source, ok := ctx.Value(sourceContextKey{}).(Source); ok {
			return source
		}
	}
	return NewSource("", "")
}
