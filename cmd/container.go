// container.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Abraxas-365/recall/pkg/ai/embedding"
	"github.com/Abraxas-365/recall/pkg/ai/llm"
	aianthropic "github.com/Abraxas-365/recall/pkg/ai/providers/anthropic"
	aiopenai "github.com/Abraxas-365/recall/pkg/ai/providers/openai"
	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/fsx"
	"github.com/Abraxas-365/recall/pkg/fsx/fsxlocal"
	"github.com/Abraxas-365/recall/pkg/fsx/fsxs3"
	"github.com/Abraxas-365/recall/pkg/iam/apikey"
	"github.com/Abraxas-365/recall/pkg/iam/apikey/apikeyapi"
	"github.com/Abraxas-365/recall/pkg/iam/apikey/apikeyinfra"
	"github.com/Abraxas-365/recall/pkg/iam/apikey/apikeysrv"
	"github.com/Abraxas-365/recall/pkg/iam/auth"
	"github.com/Abraxas-365/recall/pkg/iam/auth/authinfra"
	"github.com/Abraxas-365/recall/pkg/logx"
	"github.com/Abraxas-365/recall/pkg/memory"
	"github.com/Abraxas-365/recall/pkg/memory/memoryapi"
	"github.com/Abraxas-365/recall/pkg/memory/memoryinfra"
	"github.com/Abraxas-365/recall/pkg/memory/memorysrv"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/openai/openai-go/v3/option"
	"github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies
type Container struct {
	// Config
	Config *config.Config

	// Infrastructure
	DB         *sqlx.DB
	Redis      *redis.Client
	VectorDB   *chromem.DB
	FileSystem fsx.FileSystem
	S3Client   *s3.Client

	// Core Services
	TokenService  auth.TokenService
	APIKeyService *apikeysrv.APIKeyService
	MemoryService *memorysrv.MemoryService

	// API Handlers
	APIKeyHandlers *apikeyapi.APIKeyHandlers
	MemoryHandlers *memoryapi.MemoryHandlers

	// Middleware
	UnifiedAuthMiddleware *auth.UnifiedAuthMiddleware

	// Background Services
	DecayScheduler   *memorysrv.DecayScheduler
	RetentionService *memorysrv.RetentionService
}

// NewContainer initializes the dependency injection container
func NewContainer(cfg *config.Config) *Container {
	logx.Info("🔧 Initializing dependency container...")

	c := &Container{
		Config: cfg,
	}

	c.initInfrastructure()
	c.initServices()

	logx.Info("✅ Container initialized successfully")
	return c
}

func (c *Container) initInfrastructure() {
	logx.Info("🏗️ Initializing infrastructure...")

	// 1. Database Connection
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Config.Database.Host,
		c.Config.Database.Port,
		c.Config.Database.User,
		c.Config.Database.Password,
		c.Config.Database.Name,
		c.Config.Database.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		logx.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
	db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
	db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
	c.DB = db
	logx.Info("✅ Database connected")

	// 2. Redis Connection (leases, attempt counters, retrieval cache)
	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := c.Redis.Ping(context.Background()).Result(); err != nil {
		logx.Fatalf("Failed to connect to Redis: %v (Redis is required for sweep coordination)", err)
	} else {
		logx.Info("✅ Redis connected")
	}

	// 3. Vector Database
	if path := c.Config.Storage.VectorDBPath; path != "" {
		vdb, err := chromem.NewPersistentDB(path, false)
		if err != nil {
			logx.Fatalf("Failed to open vector database: %v", err)
		}
		c.VectorDB = vdb
		logx.Infof("✅ Vector database opened (path: %s)", path)
	} else {
		c.VectorDB = chromem.NewDB()
		logx.Warn("⚠️  Using in-memory vector index (vectors are lost on restart)")
	}

	// 4. Snapshot Storage (Local or S3)
	c.initFileStorage()

	logx.Info("✅ Infrastructure initialized")
}

func (c *Container) initFileStorage() {
	switch c.Config.Storage.Mode {
	case "s3":
		awsOpts := []func(*awsConfig.LoadOptions) error{}
		if region := getEnv("AWS_REGION", ""); region != "" {
			awsOpts = append(awsOpts, awsConfig.WithRegion(region))
		}

		awsCfg, err := awsConfig.LoadDefaultConfig(context.TODO(), awsOpts...)
		if err != nil {
			logx.Fatalf("Unable to load AWS SDK config: %v", err)
		}
		c.S3Client = s3.NewFromConfig(awsCfg)
		c.FileSystem = fsxs3.NewS3FileSystem(c.S3Client, c.Config.Storage.S3Bucket, c.Config.Storage.S3Prefix)
		logx.Infof("✅ S3 snapshot storage configured (bucket: %s)", c.Config.Storage.S3Bucket)

	case "local":
		localFS, err := fsxlocal.NewLocalFileSystem(c.Config.Storage.LocalPath)
		if err != nil {
			logx.Fatalf("Failed to initialize local file system: %v", err)
		}
		c.FileSystem = localFS
		logx.Infof("✅ Local snapshot storage configured (path: %s)", localFS.GetBasePath())

	default:
		logx.Fatalf("Unknown STORAGE_MODE: %s (use 'local' or 's3')", c.Config.Storage.Mode)
	}
}

func (c *Container) initServices() {
	logx.Info("🗄️  Initializing repositories and services...")

	// --- Repositories ---
	unitRepo := memoryinfra.NewPostgresUnitRepository(c.DB)
	apiKeyRepo := apikeyinfra.NewPostgresAPIKeyRepository(c.DB)

	ctx := context.Background()
	if err := unitRepo.EnsureSchema(ctx); err != nil {
		logx.Fatalf("Failed to ensure memory schema: %v", err)
	}
	if err := apiKeyRepo.EnsureSchema(ctx); err != nil {
		logx.Fatalf("Failed to ensure api key schema: %v", err)
	}

	index := memoryinfra.NewChromemIndex(c.VectorDB)
	leases := memoryinfra.NewRedisLeaseManager(c.Redis)

	var cache memory.RetrievalCache
	if c.Config.Memory.RetrievalCacheTTL > 0 {
		cache = memoryinfra.NewRedisRetrievalCache(c.Redis)
		logx.Info("✅ Redis retrieval cache enabled")
	}

	// --- AI Providers ---
	// Embeddings always ride OpenAI; Anthropic exposes no embedding endpoint.
	embedProvider := aiopenai.NewOpenAIProvider(
		c.Config.AI.OpenAIAPIKey,
		option.WithRequestTimeout(c.Config.AI.EmbeddingTimeout),
	)

	var chatLLM llm.LLM
	switch c.Config.AI.Provider {
	case config.ProviderAnthropic:
		chatLLM = aianthropic.NewAnthropicProvider(c.Config.AI.AnthropicAPIKey)
		logx.Info("✅ Anthropic summary provider configured")
	default:
		chatLLM = aiopenai.NewOpenAIProvider(c.Config.AI.OpenAIAPIKey)
		logx.Info("✅ OpenAI summary provider configured")
	}

	policy := embedding.DefaultPolicy()
	policy.MaxAttempts = c.Config.AI.EmbeddingAttempts
	policy.BaseDelay = c.Config.AI.EmbeddingBaseDelay

	var embedDefaults []embedding.Option
	if c.Config.AI.EmbeddingModel != "" {
		embedDefaults = append(embedDefaults, embedding.WithModel(c.Config.AI.EmbeddingModel))
	}
	if c.Config.AI.EmbeddingDimensions > 0 {
		embedDefaults = append(embedDefaults, embedding.WithDimensions(c.Config.AI.EmbeddingDimensions))
	}

	embedder := embedding.NewRetryingEmbedder(embedProvider, policy,
		embedding.WithMaxChars(c.Config.AI.EmbeddingMaxChars),
		embedding.WithDefaultOptions(embedDefaults...),
	)

	// --- IAM Services ---
	secretHasher := authinfra.NewBcryptSecretHasher(c.Config.Auth.Password.BcryptCost)

	c.TokenService = auth.NewJWTServiceFromConfig(&c.Config.Auth.JWT)

	apikey.InitAPIKeyConfig(
		c.Config.Auth.APIKey.LivePrefix,
		c.Config.Auth.APIKey.TestPrefix,
		c.Config.Auth.APIKey.TokenLength,
	)

	c.APIKeyService = apikeysrv.NewAPIKeyService(apiKeyRepo, secretHasher)

	// --- Memory Engine ---
	memCfg := &c.Config.Memory

	summarizer := memorysrv.NewLLMSummarizer(chatLLM, c.Config.AI.SummaryModel, c.Config.AI.SummaryMaxTokens)
	compression := memorysrv.NewCompressionEngine(unitRepo, index, leases, summarizer, embedder, memCfg)
	decay := memorysrv.NewDecayScheduler(unitRepo, index, leases, compression, memCfg)
	ranker := memorysrv.NewRetrievalRanker(unitRepo, index, embedder, memCfg)
	injector := memorysrv.NewContextInjector()

	c.MemoryService = memorysrv.NewMemoryService(unitRepo, index, leases, embedder, ranker, injector, decay, cache, memCfg)
	c.DecayScheduler = decay
	c.RetentionService = memorysrv.NewRetentionService(unitRepo, index, c.FileSystem, memCfg)

	// --- API Handlers ---
	c.APIKeyHandlers = apikeyapi.NewAPIKeyHandlers(c.APIKeyService)
	c.MemoryHandlers = memoryapi.NewMemoryHandlers(c.MemoryService)

	// --- Middleware ---
	if c.Config.Auth.Disabled {
		logx.Warn("⚠️  Authentication is DISABLED (development only)")
	}
	c.UnifiedAuthMiddleware = auth.NewUnifiedAuthMiddleware(c.APIKeyService, c.TokenService, c.Config.Auth.Disabled)

	logx.Info("✅ All services and handlers initialized")
}

// StartBackgroundServices starts background workers
func (c *Container) StartBackgroundServices(ctx context.Context) {
	logx.Info("🔄 Starting background services...")

	go c.DecayScheduler.Start(ctx)
	logx.Info("✅ Decay scheduler started")

	go c.RetentionService.Start(ctx)
	logx.Info("✅ Retention service started")
}

// Cleanup closes all connections and stops workers
func (c *Container) Cleanup() {
	logx.Info("🧹 Cleaning up resources...")

	// Close database connection
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logx.Errorf("Error closing database: %v", err)
		} else {
			logx.Info("✅ Database connection closed")
		}
	}

	// Close Redis connection
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.Errorf("Error closing Redis: %v", err)
		} else {
			logx.Info("✅ Redis connection closed")
		}
	}

	logx.Info("✅ Cleanup completed")
}

// ============================================================================
// Helper Functions
// ============================================================================

// getEnv gets an environment variable with a default value
// Note: Most config should come from config package now
// This is kept for storage-specific overrides
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
