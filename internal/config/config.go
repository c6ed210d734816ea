package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Providers accepted in PAFLOW_PROVIDER.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

type Config struct {
	DataDir   string
	DBPath    string
	SkillsDir string
	// InputsDir holds the case documents; FallbackInputDir is read when it
	// is missing or yields no text.
	InputsDir        string
	FallbackInputDir string

	Provider string
	Model    string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	AzureAPIKey   string
	AzureEndpoint string
	TavilyAPIKey  string
	TavilyURL     string
	NPIURL        string
	ToolRPS       float64
	MaxToolTurns  int
	Trace         string
}

// New reads configuration from the environment after loading a .env file
// from the working directory, if present.
func New() (*Config, error) {
	_ = godotenv.Load()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("PAFLOW_DATA_DIR", filepath.Join(homeDir, ".paflow"))

	rps, err := strconv.ParseFloat(getEnv("PAFLOW_TOOL_RPS", "2"), 64)
	if err != nil || rps <= 0 {
		return nil, fmt.Errorf("invalid PAFLOW_TOOL_RPS %q", os.Getenv("PAFLOW_TOOL_RPS"))
	}
	turns, err := strconv.Atoi(getEnv("PAFLOW_MAX_TOOL_TURNS", "8"))
	if err != nil || turns < 0 {
		return nil, fmt.Errorf("invalid PAFLOW_MAX_TOOL_TURNS %q", os.Getenv("PAFLOW_MAX_TOOL_TURNS"))
	}

	c := &Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "paflow.db"),
		SkillsDir:        getEnv("PAFLOW_SKILLS_DIR", "skills"),
		InputsDir:        getEnv("PAFLOW_INPUTS_DIR", "inputs"),
		FallbackInputDir: getEnv("PAFLOW_FALLBACK_INPUT_DIR", "input"),
		Provider:         getEnv("PAFLOW_PROVIDER", ProviderClaude),
		Model:            os.Getenv("PAFLOW_MODEL"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		AzureAPIKey:      os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureEndpoint:    os.Getenv("AZURE_OPENAI_ENDPOINT"),
		TavilyAPIKey:     os.Getenv("TAVILY_API_KEY"),
		TavilyURL:        os.Getenv("PAFLOW_TAVILY_URL"),
		NPIURL:           os.Getenv("PAFLOW_NPI_URL"),
		ToolRPS:          rps,
		MaxToolTurns:     turns,
		Trace:            os.Getenv("PAFLOW_TRACE"),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderClaude:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return fmt.Errorf("provider openai needs OPENAI_API_KEY or OPENAI_BASE_URL")
		}
	case ProviderAzure:
		if c.AzureAPIKey == "" || c.AzureEndpoint == "" {
			return fmt.Errorf("provider azure needs AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT")
		}
	default:
		return fmt.Errorf("unknown provider %q (want claude, openai or azure)", c.Provider)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.WorkspacesDir(), 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
