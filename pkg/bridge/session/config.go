package session

import "time"

// Fixed conversational strings. Behavior, not just structure, is part of the
// provider contract here; keep these stable.
const (
	// FillerText is spoken at most once per turn when tools start with no
	// generated text, so the caller never hears dead air.
	FillerText = "One moment please."

	// FallbackConfirmation replaces generation when the recursive tool-call
	// cap is hit.
	FallbackConfirmation = "All done! Is there anything else I can help you with?"

	// ApologyText is spoken when the AI backend fails mid-turn.
	ApologyText = "I'm sorry, I'm having some trouble right now. Could you say that again?"
)

// AgentConfig is the immutable per-call agent configuration.
type AgentConfig struct {
	SystemPrompt string
	Greeting     string
	Language     string
	Voice        string
	Temperature  float64
	MaxTokens    int

	// EnabledTools selects registry tools exposed to the model. Empty means
	// all registered tools.
	EnabledTools []string

	MaxCallDuration   time.Duration
	MaxRecursiveDepth int
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	ToolCallTimeout   time.Duration

	// MaxFrameBytes caps inbound custom-LLM frames; MaxMediaBytes caps
	// inbound telephony media frames, which carry base64 audio and need
	// more headroom.
	MaxFrameBytes int64
	MaxMediaBytes int64
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *AgentConfig) ApplyDefaults() {
	if c.Greeting == "" {
		c.Greeting = "Hello, thank you for calling. How can I help you today?"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 30 * time.Minute
	}
	if c.MaxRecursiveDepth <= 0 {
		c.MaxRecursiveDepth = 2
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 1500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ToolCallTimeout <= 0 {
		c.ToolCallTimeout = 15 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.MaxMediaBytes <= 0 {
		c.MaxMediaBytes = 256 * 1024
	}
}
