package qdrant

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	URL             string
	Collection      string
	NamespacePrefix string
	VectorDim       int
}

func ResolveConfigFromEnv() (Config, error) {
	dim := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid QDRANT_VECTOR_DIM=%q: %w", raw, err)
		}
		dim = parsed
	}

	cfg := Config{
		URL:             strings.TrimSpace(os.Getenv("QDRANT_URL")),
		Collection:      strings.TrimSpace(os.Getenv("QDRANT_COLLECTION")),
		NamespacePrefix: strings.TrimSpace(os.Getenv("QDRANT_NAMESPACE_PREFIX")),
		VectorDim:       dim,
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = "th"
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("QDRANT_URL is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("invalid QDRANT_URL=%q; expected absolute URL like http://qdrant:6333", cfg.URL)
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return fmt.Errorf("QDRANT_COLLECTION is required")
	}
	if cfg.VectorDim <= 0 {
		return fmt.Errorf("QDRANT_VECTOR_DIM is required and must be a positive integer")
	}
	return nil
}
