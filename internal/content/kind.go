// ABOUTME: Message kinds and token usage shared by the log, runner and clients
// ABOUTME: Kinds decode strictly so a newer writer cannot slip past an older reader

package content

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a message kind is not recognised.
var ErrUnknownKind = errors.New("unknown message kind")

// Kind classifies who authored a message and what it carries.
type Kind string

const (
	KindUser    Kind = "user"
	KindAgent   Kind = "agent"
	KindTool    Kind = "tool"
	KindError   Kind = "error"
	KindSystem  Kind = "system"
	KindGitInfo Kind = "gitinfo"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAgent, KindTool, KindError, KindSystem, KindGitInfo:
		return true
	}
	return false
}

// ParseKind validates a kind read from storage or the wire.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// UnmarshalJSON rejects unknown kinds.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Usage is the token accounting reported with an agent message.
type Usage struct {
	InputTokens         uint64 `json:"input_tokens"`
	OutputTokens        uint64 `json:"output_tokens"`
	CacheReadTokens     uint64 `json:"cache_read_tokens"`
	CacheCreationTokens uint64 `json:"cache_creation_tokens"`
}

// ContextWindowUsed is the full context the next turn would send: every input
// token, cached or not, plus what the model just produced.
func (u *Usage) ContextWindowUsed() uint64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens + u.OutputTokens
}
