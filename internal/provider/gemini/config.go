package gemini

// Config contains Gemini provider configuration. Timeout is in seconds.
type Config struct {
	APIKey  string   `env:"GEMINI_API_KEY"`
	BaseURL string   `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	Timeout int      `env:"GEMINI_TIMEOUT"  envDefault:"60"`
	Models  []string `env:"GEMINI_MODELS"   envSeparator:","`
}

// SupportedModels returns the list of models served by default.
func SupportedModels() []string {
	return []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.0-flash",
	}
}
