// Package promptctx assembles a model-ready conversation context from a
// thread's active transcript: filter parts, drop emptied messages, window to
// the most recent N, and report provenance for auditability.
package promptctx

import (
	"context"
	"fmt"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// Options filters the assembled context. The zero value keeps everything.
type Options struct {
	// MaxMessages keeps only the most recent N messages after part
	// filtering; zero keeps all.
	MaxMessages int
	// IncludeToolResults keeps tool-result parts (and the tool messages
	// carrying them). Nil means true.
	IncludeToolResults *bool
	// IncludeReasoning keeps reasoning parts. Nil means true.
	IncludeReasoning *bool
}

// Provenance records where a context came from.
type Provenance struct {
	ThreadID       string `json:"threadId"`
	MessageCount   int    `json:"messageCount"`
	FirstMessageID string `json:"firstMessageId,omitempty"`
	LastMessageID  string `json:"lastMessageId,omitempty"`
}

// Context is the assembled result.
type Context struct {
	Messages   []models.CanonicalMessage `json:"messages"`
	Provenance Provenance                `json:"provenance"`
}

// Build fetches the thread's active-branch transcript and applies the
// filters. Pure apart from the single transcript fetch.
func Build(ctx context.Context, store ledger.Store, threadID string, opts Options) (*Context, error) {
	transcript, err := store.GetTranscript(ctx, ledger.TranscriptQuery{
		ThreadID: threadID,
		Branch:   models.ActiveBranch(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch transcript for thread %s: %w", threadID, err)
	}

	messages := Filter(transcript, opts)

	prov := Provenance{ThreadID: threadID, MessageCount: len(messages)}
	if len(messages) > 0 {
		prov.FirstMessageID = messages[0].ID
		prov.LastMessageID = messages[len(messages)-1].ID
	}
	return &Context{Messages: messages, Provenance: prov}, nil
}

// Filter applies the part filters and the message window to an already
// fetched transcript. Exported so callers holding a transcript do not pay a
// second fetch.
func Filter(transcript []models.CanonicalMessage, opts Options) []models.CanonicalMessage {
	includeToolResults := opts.IncludeToolResults == nil || *opts.IncludeToolResults
	includeReasoning := opts.IncludeReasoning == nil || *opts.IncludeReasoning

	out := make([]models.CanonicalMessage, 0, len(transcript))
	for _, msg := range transcript {
		parts := make([]models.Part, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartTypeToolResult:
				if !includeToolResults {
					continue
				}
			case models.PartTypeReasoning:
				if !includeReasoning {
					continue
				}
			}
			parts = append(parts, part)
		}
		// Messages rendered empty by filtering carry no signal.
		if len(parts) == 0 {
			continue
		}
		msg.Parts = parts
		out = append(out, msg)
	}

	if opts.MaxMessages > 0 && len(out) > opts.MaxMessages {
		out = out[len(out)-opts.MaxMessages:]
	}
	return out
}
