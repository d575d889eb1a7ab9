package config

import "time"

type AuthConfig struct {
	JWT      JWTConfig
	APIKey   APIKeyConfig
	Password PasswordConfig

	// Disabled turns off authentication entirely. Development only;
	// Validate rejects it in production.
	Disabled bool
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       []string
}

type APIKeyConfig struct {
	LivePrefix  string
	TestPrefix  string
	TokenLength int
}

type PasswordConfig struct {
	BcryptCost int
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET_KEY", ""),
			AccessTokenTTL: getEnvDuration("JWT_ACCESS_TOKEN_TTL", 15*time.Minute),
			Issuer:         getEnv("JWT_ISSUER", "recall"),
			Audience:       getEnvStringSlice("JWT_AUDIENCE", []string{"recall-api"}),
		},
		APIKey: APIKeyConfig{
			LivePrefix:  getEnv("API_KEY_LIVE_PREFIX", "rcl_live"),
			TestPrefix:  getEnv("API_KEY_TEST_PREFIX", "rcl_test"),
			TokenLength: getEnvInt("API_KEY_TOKEN_LENGTH", 32),
		},
		Password: PasswordConfig{
			BcryptCost: getEnvInt("BCRYPT_COST", 10),
		},
		Disabled: getEnvBool("AUTH_DISABLED", false),
	}
}
