package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const codeSystemPrompt = `You are an expert software engineer. Write correct, idiomatic code.
Always wrap code in fenced blocks with the language tag. Explain briefly,
then show the code. Prefer complete runnable examples over fragments.`

// languageHints maps source-language markers in the request text to the
// fence tag used for that language.
var languageHints = []struct {
	pattern *regexp.Regexp
	tag     string
}{
	{regexp.MustCompile(`(?i)\b(golang|\bgo\b func|goroutine)\b`), "go"},
	{regexp.MustCompile(`(?i)\bpython\b|\bdef \w+\(|\bpip\b`), "python"},
	{regexp.MustCompile(`(?i)\b(javascript|typescript|node\.?js|react)\b`), "javascript"},
	{regexp.MustCompile(`(?i)\brust\b|\bcargo\b`), "rust"},
	{regexp.MustCompile(`(?i)\b(bash|shell script|shell command)\b`), "bash"},
	{regexp.MustCompile(`(?i)\bsql\b|\bselect .+ from\b`), "sql"},
	{regexp.MustCompile(`(?i)\bjava\b`), "java"},
	{regexp.MustCompile(`(?i)\bc\+\+\b`), "cpp"},
}

// DetectLanguage returns the fence tag hinted at by the request text, or
// an empty string when none is found.
func DetectLanguage(text string) string {
	for _, h := range languageHints {
		if h.pattern.MatchString(text) {
			return h.tag
		}
	}
	return ""
}

var runIntentPattern = regexp.MustCompile(`(?i)\b(run|execute) (it|this|that|the (code|script|program))\b`)

// CodePipeline handles code generation and debugging requests. With a
// CodeRunner it can also execute the result when explicitly asked to.
type CodePipeline struct {
	exec   *executor
	runner CodeRunner
}

func (p *CodePipeline) Category() types.Category { return types.CategoryCode }

func (p *CodePipeline) Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	lang := DetectLanguage(req.Text)
	system := codeSystemPrompt
	if lang != "" {
		system = fmt.Sprintf("%s\nThe user is working in %s.", codeSystemPrompt, lang)
	}

	messages := append(p.exec.historyMessages(session), llm.Message{
		Role:    "user",
		Content: req.Text,
	})

	result := p.exec.run(ctx, route, types.CategoryCode, callSpec{
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  0.2,
	})
	if !result.Success {
		return result
	}
	result.Text = ensureFenced(result.Text, lang)

	if p.runner != nil && runIntentPattern.MatchString(req.Text) {
		if source := firstFencedBlock(result.Text); source != "" {
			output, err := p.runner.Run(ctx, lang, source)
			if err != nil {
				p.exec.log.Warn().Err(err).Msg("code execution failed")
				result.Text += fmt.Sprintf("\n\nExecution failed: %v", err)
			} else {
				result.Text += fmt.Sprintf("\n\nOutput:\n```\n%s\n```", strings.TrimRight(output, "\n"))
			}
		}
	}
	return result
}

var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n(.*?)```")

// firstFencedBlock extracts the body of the first fenced code block.
func firstFencedBlock(text string) string {
	m := fencedBlockPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ensureFenced wraps raw code output in a fenced block when the model
// returned code without one. Text that already contains a fence or reads
// as prose is left untouched.
func ensureFenced(text, lang string) string {
	if strings.Contains(text, "```") {
		return text
	}
	if !looksLikeRawCode(text) {
		return text
	}
	return fmt.Sprintf("```%s\n%s\n```", lang, text)
}

var codeLinePattern = regexp.MustCompile(`^\s*(func |def |class |import |package |var |const |let |fn |public |private |#include|SELECT |select )`)

func looksLikeRawCode(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return false
	}
	hits := 0
	for _, line := range lines {
		if codeLinePattern.MatchString(line) || strings.HasSuffix(strings.TrimSpace(line), "{") {
			hits++
		}
	}
	return hits*3 >= len(lines)
}
