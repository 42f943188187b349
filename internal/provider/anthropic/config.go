package anthropic

// Config contains Anthropic provider configuration. Timeout is in seconds.
type Config struct {
	APIKey           string   `env:"ANTHROPIC_API_KEY"`
	BaseURL          string   `env:"ANTHROPIC_BASE_URL"           envDefault:"https://api.anthropic.com"`
	Timeout          int      `env:"ANTHROPIC_TIMEOUT"            envDefault:"60"`
	DefaultMaxTokens int      `env:"ANTHROPIC_DEFAULT_MAX_TOKENS" envDefault:"1024"`
	Models           []string `env:"ANTHROPIC_MODELS"             envSeparator:","`
}

// SupportedModels returns the list of models served by default.
func SupportedModels() []string {
	return []string{
		"claude-opus-4-1",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"claude-3-5-haiku-latest",
	}
}
