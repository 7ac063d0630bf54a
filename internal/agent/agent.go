// Package agent drives the conversational CLI processes that do the actual
// reasoning: document analysis, planning and code generation. One Agent is
// one conversation; the session survives across Send calls so multi-round
// phases keep their context.
package agent

import "context"

// Request is a single turn sent to an agent.
type Request struct {
	Prompt string
	System string // optional per-turn system prompt override
}

// Response is the agent's reply.
type Response struct {
	Content   string
	SessionID string
}

// Agent is a single conversation with a reasoning CLI.
type Agent interface {
	// Send delivers one turn and returns the reply. The first call opens the
	// session; later calls resume it.
	Send(ctx context.Context, req Request) (Response, error)

	// SessionID returns the conversation identifier.
	SessionID() string

	// Close releases the conversation.
	Close() error
}

// Provider hands out agents by role. Get returns the role's persistent
// conversation; Fresh opens a throwaway one.
type Provider interface {
	Get(role string) (Agent, error)
	Fresh(role string) (Agent, error)
}
