package chat

import (
	"context"
	"strings"
	"time"

	"github.com/tillerworks/helmsman/internal/gateway"
)

const queryRewriteTimeout = 10 * time.Second

const queryRewriteSystemPrompt = `Rewrite the user's conversational query into a concise standalone search query for a charter-operations knowledge base. Resolve pronouns and elliptical references from the conversation context when given. Output only the rewritten query, nothing else.`

// QueryRewriter turns a conversational follow-up ("what about the bigger
// one?") into a standalone retrieval query via the Lite tier. Any failure
// returns the original query unchanged.
type QueryRewriter struct {
	llm LiteLLM
}

func NewQueryRewriter(llm LiteLLM) *QueryRewriter {
	return &QueryRewriter{llm: llm}
}

// Rewrite transforms a conversational query into a search-optimized query.
func (qr *QueryRewriter) Rewrite(ctx context.Context, query string) string {
	if qr == nil || qr.llm == nil {
		return query
	}

	ctx, cancel := context.WithTimeout(ctx, queryRewriteTimeout)
	defer cancel()

	chat, err := qr.llm.CreateChat(ctx, nil, gateway.TierLite)
	if err != nil {
		return query
	}
	resp, err := qr.llm.Send(ctx, chat, gateway.Message{Role: "user", Content: query}, gateway.SendOptions{
		SystemPrompt: queryRewriteSystemPrompt,
	})
	if err != nil {
		return query
	}

	rewritten := strings.TrimSpace(resp.Text)
	if rewritten == "" {
		return query
	}
	return rewritten
}
