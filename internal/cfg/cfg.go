// Package cfg holds incidentd's application configuration. Fields are bound
// to flags here and filled from INCIDENTD_* environment variables by main.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// LLM providers.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Embedders.
const (
	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"
)

// Config is the application configuration.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	PublicBaseURL         string

	Store           string
	DatabaseURL     string
	SQLitePath      string
	DBMaxConns      int
	SlowQueryMillis int

	LLMProvider          string
	ClaudeAPIKey         string
	ClaudeModel          string
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIChatModel      string
	OpenAIEmbeddingModel string
	Embedder             string
	HashEmbedderDims     int
	SeedKnowledge        bool
	MatchThreshold       float64

	SlackToken   string
	SlackBaseURL string
	JiraURL      string
	JiraUser     string
	JiraToken    string
	JiraProject  string
	RoutingFile  string

	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioFromNumber      string
	VerifyTwilioSignature bool
	OnCallNumber          string
	DeepgramAPIKey        string
	DeepgramModel         string
	Hotline               string

	Workers                int
	QueueSize              int
	JobTimeoutSeconds      int
	EscalationDelaySeconds int
	NATSURL                string
	NATSPrefix             string
	NATSQueue              string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = unauthenticated)")
	fs.StringVar(&c.PublicBaseURL, "public-base-url", "", "externally reachable base URL, used in Twilio callbacks")

	fs.StringVar(&c.Store, "store", StoreMemory, "incident store backend: memory, postgres or sqlite")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (store=postgres)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "incidentd.db", "SQLite database file (store=sqlite)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..200)")
	fs.IntVar(&c.SlowQueryMillis, "slow-query-ms", 0, "log only queries slower than this many milliseconds (0 = log all)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "classification model provider: claude, openai or none")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI-compatible chat and embeddings")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL of an OpenAI-compatible API (empty = api.openai.com)")
	fs.StringVar(&c.OpenAIChatModel, "openai-chat-model", "gpt-4o-mini", "chat model for the openai provider")
	fs.StringVar(&c.OpenAIEmbeddingModel, "openai-embedding-model", "text-embedding-3-small", "embedding model for the openai embedder")
	fs.StringVar(&c.Embedder, "embedder", EmbedderHash, "knowledge embedder: hash or openai")
	fs.IntVar(&c.HashEmbedderDims, "hash-embedder-dims", 512, "vector width of the hash embedder (16..8192)")
	fs.BoolVar(&c.SeedKnowledge, "seed-knowledge", true, "index the sample knowledge entries into an empty knowledge base")
	fs.Float64Var(&c.MatchThreshold, "match-threshold", 0.85, "similarity above which a knowledge match short-circuits the model (0..1)")

	fs.StringVar(&c.SlackToken, "slack-token", "", "Slack bot token (empty = chat notifications disabled)")
	fs.StringVar(&c.SlackBaseURL, "slack-base-url", "", "Slack Web API base URL override")
	fs.StringVar(&c.JiraURL, "jira-url", "", "Jira base URL (empty = ticketing disabled)")
	fs.StringVar(&c.JiraUser, "jira-user", "", "Jira user for basic auth")
	fs.StringVar(&c.JiraToken, "jira-token", "", "Jira API token")
	fs.StringVar(&c.JiraProject, "jira-project", "INC", "Jira project key")
	fs.StringVar(&c.RoutingFile, "routing-file", "", "YAML file with stakeholder and priority tables (empty = built-in)")

	fs.StringVar(&c.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID (empty = telephony disabled)")
	fs.StringVar(&c.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&c.TwilioFromNumber, "twilio-from-number", "", "caller id for outbound escalation calls")
	fs.BoolVar(&c.VerifyTwilioSignature, "verify-twilio-signature", true, "reject Twilio webhooks without a valid X-Twilio-Signature")
	fs.StringVar(&c.OnCallNumber, "oncall-number", "", "phone number called for high severity escalations")
	fs.StringVar(&c.DeepgramAPIKey, "deepgram-api-key", "", "Deepgram API key (empty = placeholder transcripts)")
	fs.StringVar(&c.DeepgramModel, "deepgram-model", "nova-2", "Deepgram transcription model")
	fs.StringVar(&c.Hotline, "hotline-name", "incident reporting hotline", "name spoken in the inbound call greeting")

	fs.IntVar(&c.Workers, "workers", 4, "dispatch worker goroutines (1..256)")
	fs.IntVar(&c.QueueSize, "queue-size", 256, "dispatch queue capacity (1..100000)")
	fs.IntVar(&c.JobTimeoutSeconds, "job-timeout-seconds", 300, "per-job processing timeout (1..3600)")
	fs.IntVar(&c.EscalationDelaySeconds, "escalation-delay-seconds", 60, "delay before a high severity escalation call (1..3600)")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for shared dispatch (empty = local queue only)")
	fs.StringVar(&c.NATSPrefix, "nats-prefix", "incidentd.jobs", "NATS subject prefix for jobs")
	fs.StringVar(&c.NATSQueue, "nats-queue", "incidentd-workers", "NATS queue group shared by workers")
}

// TwilioConfigured reports whether telephony credentials are present.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// JiraConfigured reports whether ticketing is enabled.
func (c *Config) JiraConfigured() bool {
	return c.JiraURL != ""
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.PublicBaseURL != "" {
		if u, err := url.Parse(c.PublicBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid PUBLIC_BASE_URL %q (must be an absolute http(s) URL)", c.PublicBaseURL))
		}
	}

	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateIntegrations()...)
	errs = append(errs, c.validateDispatch()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateStore() []error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory, postgres or sqlite)", c.Store))
	}
	if c.DBMaxConns <= 0 || c.DBMaxConns > 200 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..200)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}
	return errs
}

func (c *Config) validateModels() []error {
	var errs []error
	switch c.LLMProvider {
	case ProviderNone:
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when LLM_PROVIDER=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when LLM_PROVIDER=claude"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when LLM_PROVIDER=openai"))
		}
		if c.OpenAIChatModel == "" {
			errs = append(errs, errors.New("OPENAI_CHAT_MODEL is required when LLM_PROVIDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude, openai or none)", c.LLMProvider))
	}

	switch c.Embedder {
	case EmbedderHash:
		if c.HashEmbedderDims < 16 || c.HashEmbedderDims > 8192 {
			errs = append(errs, fmt.Errorf("invalid HASH_EMBEDDER_DIMS %d (must be 16..8192)", c.HashEmbedderDims))
		}
	case EmbedderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when EMBEDDER=openai"))
		}
		if c.OpenAIEmbeddingModel == "" {
			errs = append(errs, errors.New("OPENAI_EMBEDDING_MODEL is required when EMBEDDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid EMBEDDER %q (must be hash or openai)", c.Embedder))
	}

	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid MATCH_THRESHOLD %v (must be 0..1)", c.MatchThreshold))
	}
	return errs
}

func (c *Config) validateIntegrations() []error {
	var errs []error
	if c.JiraURL != "" && (c.JiraUser == "" || c.JiraToken == "") {
		errs = append(errs, errors.New("JIRA_USER and JIRA_TOKEN are required when JIRA_URL is set"))
	}
	if (c.TwilioAccountSID == "") != (c.TwilioAuthToken == "") {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together"))
	}
	if c.OnCallNumber != "" {
		if !c.TwilioConfigured() || c.TwilioFromNumber == "" {
			errs = append(errs, errors.New("ONCALL_NUMBER requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER"))
		}
		if c.PublicBaseURL == "" {
			errs = append(errs, errors.New("ONCALL_NUMBER requires PUBLIC_BASE_URL for call instructions"))
		}
	}
	if c.TwilioConfigured() && c.VerifyTwilioSignature && c.PublicBaseURL == "" {
		errs = append(errs, errors.New("VERIFY_TWILIO_SIGNATURE requires PUBLIC_BASE_URL"))
	}
	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error
	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.QueueSize <= 0 || c.QueueSize > 100000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be 1..100000)", c.QueueSize))
	}
	if c.JobTimeoutSeconds <= 0 || c.JobTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid JOB_TIMEOUT_SECONDS %d (must be 1..3600)", c.JobTimeoutSeconds))
	}
	if c.EscalationDelaySeconds <= 0 || c.EscalationDelaySeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_DELAY_SECONDS %d (must be 1..3600)", c.EscalationDelaySeconds))
	}
	if c.NATSURL != "" && (c.NATSPrefix == "" || c.NATSQueue == "") {
		errs = append(errs, errors.New("NATS_PREFIX and NATS_QUEUE are required when NATS_URL is set"))
	}
	return errs
}
