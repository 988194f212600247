package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/pkg/logging"
)

// VerifyResult is the outcome of checking a draft answer against the
// evidence gathered during the run.
type VerifyResult struct {
	Supported bool
	Reason    string
}

// Verifier checks that a draft answer is grounded in the given context.
type Verifier interface {
	Verify(ctx context.Context, answer, evidence string) (VerifyResult, error)
}

// GroundingVerifier asks the Lite tier whether the draft is supported by the
// collected observations. Cheap enough to run on every answer.
type GroundingVerifier struct {
	llm    LLM
	logger logging.Logger
}

func NewGroundingVerifier(llm LLM, logger logging.Logger) *GroundingVerifier {
	return &GroundingVerifier{llm: llm, logger: logger}
}

const verifierSystemPrompt = `You are a strict fact checker. You will be given a draft answer and the evidence it should be based on. Reply with exactly one line:
SUPPORTED
or
UNSUPPORTED: <short reason>
An answer is SUPPORTED when every factual claim in it appears in the evidence. General explanations and hedged statements do not need evidence.`

func (v *GroundingVerifier) Verify(ctx context.Context, answer, evidence string) (VerifyResult, error) {
	if strings.TrimSpace(evidence) == "" {
		// Nothing to check against; treat conversational answers as fine.
		return VerifyResult{Supported: true}, nil
	}

	chat, err := v.llm.CreateChat(ctx, nil, gateway.TierLite)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verifier: create chat: %w", err)
	}

	prompt := fmt.Sprintf("Evidence:\n%s\n\nDraft answer:\n%s", evidence, answer)
	resp, err := v.llm.Send(ctx, chat, gateway.Message{Role: "user", Content: prompt}, gateway.SendOptions{
		SystemPrompt: verifierSystemPrompt,
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verifier: %w", err)
	}

	verdict := strings.TrimSpace(resp.Text)
	upper := strings.ToUpper(verdict)
	switch {
	case strings.HasPrefix(upper, "SUPPORTED"):
		return VerifyResult{Supported: true}, nil
	case strings.HasPrefix(upper, "UNSUPPORTED"):
		reason := strings.TrimSpace(strings.TrimPrefix(verdict[len("UNSUPPORTED"):], ":"))
		if reason == "" {
			reason = "the draft contains claims not found in the evidence"
		}
		return VerifyResult{Supported: false, Reason: reason}, nil
	default:
		// An off-script verdict is not grounds to rewrite the answer.
		v.logger.WithField("verdict", verdict).Debug("Verifier returned unparseable verdict")
		return VerifyResult{Supported: true}, nil
	}
}
