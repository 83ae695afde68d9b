package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Neo4j       Neo4jConfig
	Zilliz      ZillizConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Retrieval   RetrievalConfig
	Prioritizer PrioritizerConfig
	Assembly    AssemblyConfig
	Quality     QualityConfig
	Generation  GenerationConfig
	Links       LinksConfig
	Cache       CacheConfig
	Concurrency ConcurrencyConfig
	Augment     AugmentConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	BodyLimit       int
	RequestsPerMin  int
	AllowedOrigins  []string
	IsDevelopment   bool
	ShutdownTimeout int
}

type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string
	Path    string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	BaseURL            string
	Model              string
	APIKey             string
	Temperature        float32
	MaxTokens          int
	TimeoutSec         int
	EmbeddingModel     string
	EmbeddingBatchSize int
}

type RetrievalConfig struct {
	Threshold         float64
	FallbackThreshold float64
	SearchLimit       int
	MaxResults        int
	PerSourceCap      int
	EmbeddingCacheHrs int
}

type PrioritizerConfig struct {
	OfficialOrganizations []string
	BoostFactor           float64
	MinOfficialSimilarity float64
	MaxGap                float64
	MaxOfficialRatio      float64
}

type AssemblyConfig struct {
	TokenBudget         int
	MinTruncationTokens int
	DedupThreshold      float64
	Rerank              bool
}

type QualityConfig struct {
	HighQualitySimilarity float64
	PureMinAvg            float64
	PureMinHighQuality    int
	PureMinSources        int
	HybridMinAvg          float64
	HybridMinHighQuality  int
	HybridMinSources      int
	LowMinCount           int
	LowMinAvg             float64
}

type GenerationConfig struct {
	Temperature          float32
	MaxTokens            int
	MinContentLength     int
	AllowKnowledgeOnly   bool
	MinPublishConfidence float64
	KnowledgeOnlyScore   float64
}

type LinksConfig struct {
	Enabled        bool
	MinEntityChars int
	MaxEntities    int
	ExcerptChars   int
	StopList       []string
}

type CacheConfig struct {
	TTLHours               int
	MaxCachedPages         int
	RegenerationBatchSize  int
	PopularityThreshold    int
	LowConfidenceThreshold float64
	RegenerationDelaySec   int
	AnalyticsEnabled       bool
	WarmTopics             []string
}

type ConcurrencyConfig struct {
	RateLimitRequests  int
	RateLimitWindowSec int
	CooldownSec        int
	SchedulerWorkers   int
}

type AugmentConfig struct {
	Enabled    bool
	CacheHours int
	TimeoutSec int
	MaxChars   int
	Sources    []AugmentSource
}

type AugmentSource struct {
	Name     string
	URL      string
	Keywords []string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func (c CacheConfig) RegenerationDelay() time.Duration {
	return time.Duration(c.RegenerationDelaySec) * time.Second
}

func (c ConcurrencyConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c ConcurrencyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the standard search paths when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/refwiki")
	}

	v.SetEnvPrefix("WIKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Cache.TTLHours <= 0 {
		errs = append(errs, errors.New("cache.ttlHours must be positive"))
	}
	if c.Generation.MinPublishConfidence < 0 || c.Generation.MinPublishConfidence > 1 {
		errs = append(errs, errors.New("generation.minPublishConfidence must be within [0,1]"))
	}
	if c.Cache.LowConfidenceThreshold < 0 || c.Cache.LowConfidenceThreshold > 1 {
		errs = append(errs, errors.New("cache.lowConfidenceThreshold must be within [0,1]"))
	}
	if c.Retrieval.PerSourceCap <= 0 || c.Retrieval.MaxResults <= 0 {
		errs = append(errs, errors.New("retrieval.perSourceCap and retrieval.maxResults must be positive"))
	}
	if c.Retrieval.FallbackThreshold > c.Retrieval.Threshold {
		errs = append(errs, errors.New("retrieval.fallbackThreshold must not exceed retrieval.threshold"))
	}
	if c.Prioritizer.MaxOfficialRatio <= 0 || c.Prioritizer.MaxOfficialRatio > 1 {
		errs = append(errs, errors.New("prioritizer.maxOfficialRatio must be within (0,1]"))
	}
	if c.Concurrency.RateLimitRequests <= 0 || c.Concurrency.RateLimitWindowSec <= 0 {
		errs = append(errs, errors.New("concurrency rate limit must be positive"))
	}
	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "memory" {
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.requestsPerMin", 120)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.isDevelopment", false)
	v.SetDefault("server.shutdownTimeout", 10)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "./data/refwiki.db")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.apiKey", "")
	v.SetDefault("zilliz.collectionName", "wiki_chunks")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.4)
	v.SetDefault("llm.maxTokens", 2500)
	v.SetDefault("llm.timeoutSec", 90)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingBatchSize", 100)

	v.SetDefault("retrieval.threshold", 0.35)
	v.SetDefault("retrieval.fallbackThreshold", 0.25)
	v.SetDefault("retrieval.searchLimit", 30)
	v.SetDefault("retrieval.maxResults", 15)
	v.SetDefault("retrieval.perSourceCap", 3)
	v.SetDefault("retrieval.embeddingCacheHrs", 24)

	v.SetDefault("prioritizer.officialOrganizations", []string{
		"American Academy of Pediatrics", "AAP", "Centers for Disease Control", "CDC",
		"World Health Organization", "WHO", "National Health Service", "NHS",
		"National Institutes of Health", "NIH", "Mayo Clinic", "UNICEF",
	})
	v.SetDefault("prioritizer.boostFactor", 1.25)
	v.SetDefault("prioritizer.minOfficialSimilarity", 0.40)
	v.SetDefault("prioritizer.maxGap", 0.15)
	v.SetDefault("prioritizer.maxOfficialRatio", 0.6)

	v.SetDefault("assembly.tokenBudget", 6000)
	v.SetDefault("assembly.minTruncationTokens", 100)
	v.SetDefault("assembly.dedupThreshold", 0.95)
	v.SetDefault("assembly.rerank", true)

	v.SetDefault("quality.highQualitySimilarity", 0.5)
	v.SetDefault("quality.pureMinAvg", 0.60)
	v.SetDefault("quality.pureMinHighQuality", 5)
	v.SetDefault("quality.pureMinSources", 2)
	v.SetDefault("quality.hybridMinAvg", 0.45)
	v.SetDefault("quality.hybridMinHighQuality", 3)
	v.SetDefault("quality.hybridMinSources", 1)
	v.SetDefault("quality.lowMinCount", 3)
	v.SetDefault("quality.lowMinAvg", 0.35)

	v.SetDefault("generation.temperature", 0.4)
	v.SetDefault("generation.maxTokens", 2500)
	v.SetDefault("generation.minContentLength", 200)
	v.SetDefault("generation.allowKnowledgeOnly", true)
	v.SetDefault("generation.minPublishConfidence", 0.6)
	v.SetDefault("generation.knowledgeOnlyScore", 0.70)

	v.SetDefault("links.enabled", true)
	v.SetDefault("links.minEntityChars", 3)
	v.SetDefault("links.maxEntities", 25)
	v.SetDefault("links.excerptChars", 200)
	v.SetDefault("links.stopList", []string{})

	v.SetDefault("cache.ttlHours", 48)
	v.SetDefault("cache.maxCachedPages", 5000)
	v.SetDefault("cache.regenerationBatchSize", 10)
	v.SetDefault("cache.popularityThreshold", 3)
	v.SetDefault("cache.lowConfidenceThreshold", 0.4)
	v.SetDefault("cache.regenerationDelaySec", 2)
	v.SetDefault("cache.analyticsEnabled", true)
	v.SetDefault("cache.warmTopics", []string{
		"swaddling techniques", "safe sleep", "breastfeeding basics", "introducing solid foods",
		"teething", "colic", "diaper rash", "tummy time", "newborn jaundice", "sleep regression",
	})

	v.SetDefault("concurrency.rateLimitRequests", 10)
	v.SetDefault("concurrency.rateLimitWindowSec", 60)
	v.SetDefault("concurrency.cooldownSec", 30)
	v.SetDefault("concurrency.schedulerWorkers", 1)

	v.SetDefault("augment.enabled", true)
	v.SetDefault("augment.cacheHours", 24)
	v.SetDefault("augment.timeoutSec", 10)
	v.SetDefault("augment.maxChars", 5000)
	v.SetDefault("augment.sources", []map[string]interface{}{
		{
			"name":     "HealthyChildren.org",
			"url":      "https://www.healthychildren.org/English/ages-stages/baby/sleep/Pages/A-Parents-Guide-to-Safe-Sleep.aspx",
			"keywords": []string{"sleep", "swaddl", "crib", "sids"},
		},
		{
			"name":     "CDC Infant Nutrition",
			"url":      "https://www.cdc.gov/infant-toddler-nutrition/index.html",
			"keywords": []string{"feeding", "breastfeed", "formula", "solid food"},
		},
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
