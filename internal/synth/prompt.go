package synth

import "fmt"

// Model call defaults.
const (
	DefaultModel       = "gpt-4"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2000
)

// SystemPrompt instructs the model to emit a bare, self-contained check.
const SystemPrompt = `You are a security testing assistant. Generate a Python script
to validate if a vulnerability exists. The script should:
1. Be self-contained and use only the Python standard library
2. Read the target from the TARGET_URL environment variable if it needs one
3. Exit with code 0 if vulnerable, 1 if not vulnerable, using sys.exit
4. Print detailed output about what was tested
5. Be safe and non-destructive
Output ONLY the Python code, no explanations.`

// Prompt is a single chat completion request.
type Prompt struct {
	Model       string
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// UserPrompt renders the per-request message.
func UserPrompt(description, target string) string {
	return fmt.Sprintf("Vulnerability: %s\nTarget: %s", description, target)
}
