package pipeline

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const visionSystemPrompt = `You are an image analysis assistant. Describe what the image shows,
answer the user's question about it, and call out any text visible in it.`

// VisionPipeline handles requests that carry an image attachment. A
// request routed here without one is a capability mismatch.
type VisionPipeline struct {
	exec *executor
}

func (p *VisionPipeline) Category() types.Category { return types.CategoryVision }

func (p *VisionPipeline) Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	start := time.Now()

	images := encodeImages(req)
	if len(images) == 0 {
		p.exec.log.Warn().
			Str("request", req.ID).
			Msg("vision request without image attachment")
		result := types.Failure(types.CategoryVision, types.ErrorCapabilityMismatch, time.Since(start))
		result.Text = "I need an image attached to analyze. Please resend the request with the image."
		return result
	}

	prompt := req.Text
	if prompt == "" {
		prompt = "Describe this image."
	}

	messages := append(p.exec.historyMessages(session), llm.Message{
		Role:    "user",
		Content: prompt,
		Images:  images,
	})

	return p.exec.run(ctx, route, types.CategoryVision, callSpec{
		SystemPrompt: visionSystemPrompt,
		Messages:     messages,
		Temperature:  0.4,
	})
}

func encodeImages(req *types.Request) []string {
	var images []string
	for _, a := range req.Attachments {
		if a.Kind != types.AttachmentImage || len(a.Data) == 0 {
			continue
		}
		images = append(images, base64.StdEncoding.EncodeToString(a.Data))
	}
	return images
}
