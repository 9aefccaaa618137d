package prompt

import (
	"fmt"
	"strings"
)

// Version identifies the prompt set. Bump it whenever prompt text or expected
// token counts change so results from different versions are never compared.
const Version = "v1"

// Size selects one of the standard prompts.
type Size string

const (
	Short  Size = "short"
	Medium Size = "medium"
	Long   Size = "long"
)

// Prompt is a standardized test prompt with expected token counts.
type Prompt struct {
	Name                 string `json:"name" yaml:"name"`
	Version              string `json:"version" yaml:"version"`
	Text                 string `json:"-" yaml:"-"`
	ExpectedInputTokens  int    `json:"expected_input_tokens" yaml:"expected-input-tokens"`
	ExpectedOutputTokens int    `json:"expected_output_tokens" yaml:"expected-output-tokens"`
}

var prompts = map[Size]Prompt{
	Short: {
		Name:                 string(Short),
		Version:              Version,
		Text:                 "Explain what a binary search tree is in exactly three sentences.",
		ExpectedInputTokens:  15,
		ExpectedOutputTokens: 50,
	},
	Medium: {
		Name:    string(Medium),
		Version: Version,
		Text: `Write a Python function that implements merge sort. Include:
1. The main merge_sort function
2. A helper merge function
3. Brief comments explaining each step
4. An example of calling the function with a sample list`,
		ExpectedInputTokens:  50,
		ExpectedOutputTokens: 200,
	},
	Long: {
		Name:    string(Long),
		Version: Version,
		Text: `You are a technical writer. Write a comprehensive guide about REST API design best practices. The guide should cover:

1. Resource naming conventions
2. HTTP method usage (GET, POST, PUT, PATCH, DELETE)
3. Status code selection
4. Error response formatting
5. Pagination strategies
6. Versioning approaches
7. Authentication considerations

For each topic, provide a brief explanation and a concrete example. The guide should be suitable for intermediate developers who understand HTTP but are new to API design.`,
		ExpectedInputTokens:  100,
		ExpectedOutputTokens: 500,
	},
}

// outputHeadroom is added to the expected output when sizing max_tokens.
const outputHeadroom = 50

// ParseSize converts a user-supplied name into a Size.
func ParseSize(s string) (Size, error) {
	size := Size(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := prompts[size]; !ok {
		return "", fmt.Errorf("unknown prompt size %q (want short, medium or long)", s)
	}
	return size, nil
}

// Get returns the prompt for a size. Unknown sizes fall back to Short.
func Get(size Size) Prompt {
	if p, ok := prompts[size]; ok {
		return p
	}
	return prompts[Short]
}

// Sizes lists the available sizes, smallest first.
func Sizes() []Size {
	return []Size{Short, Medium, Long}
}

// MaxTokens is the output token limit sent with each request.
func (p Prompt) MaxTokens() int {
	return p.ExpectedOutputTokens + outputHeadroom
}

// Set implements pflag.Value so a Size can be bound directly to a flag.
func (s *Size) Set(v string) error {
	size, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = size
	return nil
}

func (s *Size) String() string { return string(*s) }

// Type implements pflag.Value.
func (s *Size) Type() string { return "size" }
