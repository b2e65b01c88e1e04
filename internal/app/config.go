package app

import (
	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort        string
	Environment     string
	Version         string
	JudgeRulesPath  string
	VectorNamespace string
}

// LoadConfig reads process configuration from the environment. Individual
// platform clients (postgres, redis, qdrant, neo4j, openai) keep reading
// their own variables; this covers the knobs the app wiring needs itself.
func LoadConfig() Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_VERSION", "dev")
	v.SetDefault("JUDGE_RULES_PATH", "")
	v.SetDefault("VECTOR_NAMESPACE", "fragments")

	return Config{
		HTTPPort:        v.GetString("HTTP_PORT"),
		Environment:     v.GetString("APP_ENV"),
		Version:         v.GetString("APP_VERSION"),
		JudgeRulesPath:  v.GetString("JUDGE_RULES_PATH"),
		VectorNamespace: v.GetString("VECTOR_NAMESPACE"),
	}
}
