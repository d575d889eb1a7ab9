package config

import "fmt"

type StorageConfig struct {
	Mode         string // "local" or "s3"
	LocalPath    string
	S3Bucket     string
	S3Prefix     string
	VectorDBPath string // empty keeps the vector index in memory
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Mode:         getEnv("STORAGE_MODE", "local"),
		LocalPath:    getEnv("LOCAL_STORAGE_PATH", "./data/snapshots"),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3Prefix:     getEnv("S3_PREFIX", "recall"),
		VectorDBPath: getEnv("VECTOR_DB_PATH", ""),
	}
}

func (sc StorageConfig) validate() error {
	switch sc.Mode {
	case "local", "s3":
	default:
		return fmt.Errorf("STORAGE_MODE must be local or s3, got %q", sc.Mode)
	}
	if sc.Mode == "s3" && sc.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_MODE=s3")
	}
	return nil
}
