package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"softterminal/handler"
	"softterminal/internal/integrations/openai"
	"softterminal/internal/integrations/paramstore"
	"softterminal/internal/repository"
	"softterminal/internal/usecase"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	uiVersion = "dev"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: envLevel("LOG_LEVEL")})))

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	askCfg := usecase.Config{
		MaxQuestionLen:    envInt("MAX_QUESTION_LENGTH", 500),
		MaxTokens:         envInt("MAX_TOKENS", 300),
		Temperature:       envFloat("TEMPERATURE", 0.7),
		FirstBatchSize:    envInt("FIRST_BATCH_SIZE", 3),
		MoreBatchSize:     envInt("MORE_BATCH_SIZE", 3),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW_MINUTES", 10)) * time.Minute,
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	// Warm the cache; a miss here is retried per request.
	if err := ssmClient.Prefetch(ctx, paramPrefix+"/system_prompt", paramPrefix+"/config/openai_model", paramPrefix+"/open-ai-token"); err != nil {
		slog.Warn("parameter prefetch failed", "err", err)
	}

	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	askService, err := usecase.NewAskService(ssmClient, openaiClient, stateClient, paramPrefix, askCfg)
	if err != nil {
		slog.Error("failed to create ask service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(askService, handler.WithLogger(slog.Default()), handler.WithVersion(uiVersion, version))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "key", key, "value", v)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "key", key, "value", v)
		return def
	}
	return f
}

func envLevel(key string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv(key))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
