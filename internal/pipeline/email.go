package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const emailSystemPrompt = `You are a professional correspondence assistant. Draft the requested
email with a clear subject line, an appropriate tone, and a concise body.
Format the draft as:

Subject: <subject>

<body>`

var sendIntentPattern = regexp.MustCompile(`(?i)\b(send|deliver|fire off|dispatch)\b.*\b(email|mail|message|it)\b`)

// EmailPipeline drafts emails via the model. Actually sending one needs
// the Mailer capability; a send request without it is a mismatch.
type EmailPipeline struct {
	exec   *executor
	mailer Mailer
}

func (p *EmailPipeline) Category() types.Category { return types.CategoryEmail }

func (p *EmailPipeline) Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	start := time.Now()
	wantsSend := sendIntentPattern.MatchString(req.Text)

	if wantsSend && p.mailer == nil {
		result := types.Failure(types.CategoryEmail, types.ErrorCapabilityMismatch, time.Since(start))
		result.Text = "I can draft emails, but sending is not configured on this deployment."
		return result
	}

	messages := append(p.exec.historyMessages(session), llm.Message{
		Role:    "user",
		Content: req.Text,
	})

	result := p.exec.run(ctx, route, types.CategoryEmail, callSpec{
		SystemPrompt: emailSystemPrompt,
		Messages:     messages,
		Temperature:  0.5,
	})
	if !result.Success || !wantsSend {
		return result
	}

	draft := parseDraft(result.Text)
	if err := p.mailer.Send(ctx, draft); err != nil {
		p.exec.log.Error().Err(err).Msg("mailer send failed")
		failed := types.Failure(types.CategoryEmail, types.ErrorCapabilityMismatch, time.Since(start))
		failed.Text = "The draft was written but sending it failed:\n\n" + result.Text
		return failed
	}

	result.Text = "Sent.\n\n" + result.Text
	result.Latency = time.Since(start)
	return result
}

// parseDraft splits a "Subject: ..." header off the drafted text.
func parseDraft(text string) Email {
	subject := ""
	body := text
	if rest, ok := strings.CutPrefix(text, "Subject:"); ok {
		if line, remainder, found := strings.Cut(rest, "\n"); found {
			subject = strings.TrimSpace(line)
			body = strings.TrimSpace(remainder)
		}
	}
	return Email{Subject: subject, Body: body}
}
