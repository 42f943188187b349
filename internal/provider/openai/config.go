package openai

// Config contains OpenAI provider configuration. Timeout is in seconds and
// maps to option.WithRequestTimeout; MaxRetries maps to option.WithMaxRetries.
type Config struct {
	APIKey     string   `env:"OPENAI_API_KEY"`
	BaseURL    string   `env:"OPENAI_BASE_URL"    envDefault:"https://api.openai.com/v1"`
	Timeout    int      `env:"OPENAI_TIMEOUT"     envDefault:"60"`
	MaxRetries int      `env:"OPENAI_MAX_RETRIES" envDefault:"3"`
	Models     []string `env:"OPENAI_MODELS"      envSeparator:","`
}

// SupportedModels returns the list of models served by default.
func SupportedModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	}
}

func modelSet(models []string) map[string]bool {
	set := make(map[string]bool, len(models))
	for _, model := range models {
		set[model] = true
	}
	return set
}
