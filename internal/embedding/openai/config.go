package openai

// Config holds configuration for the OpenAI embedding generator. Dimensions
// shortens text-embedding-3 vectors; zero keeps the model's native size.
type Config struct {
	APIKey     string `env:"OPENAI_API_KEY"`
	BaseURL    string `env:"OPENAI_BASE_URL"      envDefault:"https://api.openai.com/v1"`
	MaxRetries int    `env:"OPENAI_MAX_RETRIES"   envDefault:"3"`
	Timeout    int    `env:"EMBEDDING_TIMEOUT"    envDefault:"30"`
	Model      string `env:"EMBEDDING_MODEL"      envDefault:"text-embedding-3-small"`
	Dimensions int    `env:"EMBEDDING_DIMENSIONS"`
}
