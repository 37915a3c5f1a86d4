package pipeline

import (
	"fmt"
	"os"
	"strings"
)

// defaultTemplate is used when no template file exists in the workspace.
// Templates carry {context} and {question} slots.
const defaultTemplate = `You are a warm, supportive companion for someone working through a difficult moment.

Use the reference conversations below to shape the tone and depth of your reply. Do not quote or mention them.

Reference conversations:
{context}

{question}

Respond with empathy. Acknowledge the feeling before offering anything else, and keep advice concrete and personal.`

// instructionSuffix is appended to every generation request.
const instructionSuffix = "Instructions: Provide an empathetic, personalized response. Avoid generic advice."

// LoadTemplate reads a prompt template from path, falling back to the
// built-in default when the file does not exist. A template missing either
// slot is rejected.
func LoadTemplate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTemplate, nil
		}
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	tmpl := string(data)
	if !strings.Contains(tmpl, "{context}") || !strings.Contains(tmpl, "{question}") {
		return "", fmt.Errorf("prompt template %s missing {context} or {question} slot", path)
	}
	return tmpl, nil
}

// DefaultTemplate returns the built-in template text, used by onboarding to
// seed the workspace copy.
func DefaultTemplate() string {
	return defaultTemplate
}

func renderPrompt(tmpl, context, question string) string {
	out := strings.ReplaceAll(tmpl, "{context}", context)
	return strings.ReplaceAll(out, "{question}", question)
}
