package server

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"gopkg.in/yaml.v2"
)

// ssmPrefix marks a config path that names an SSM Parameter Store parameter
const ssmPrefix = "ssm:"

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port" json:"http_port"`
		GRPCPort int `yaml:"grpc_port" json:"grpc_port"`
		// PublicURL is the base of every generated dataUrl
		PublicURL  string `yaml:"public_url" json:"public_url"`
		UserHeader string `yaml:"user_header" json:"user_header"`
		// LikeTimeoutMS bounds a single like/unlike, lock wait included
		LikeTimeoutMS int `yaml:"like_timeout_ms" json:"like_timeout_ms"`
	} `yaml:"server" json:"server"`
	Metadata struct {
		// Type is one of memory, sqlite, redis, etcd, dynamodb, documentdb
		Type   string `yaml:"type" json:"type"`
		SQLite struct {
			Path string `yaml:"path" json:"path"`
		} `yaml:"sqlite" json:"sqlite"`
		Redis struct {
			Address   string `yaml:"address" json:"address"`
			Namespace string `yaml:"namespace" json:"namespace"`
		} `yaml:"redis" json:"redis"`
		Etcd struct {
			Endpoints     string `yaml:"endpoints" json:"endpoints"`
			Prefix        string `yaml:"prefix" json:"prefix"`
			DialTimeoutMS int    `yaml:"dial_timeout_ms" json:"dial_timeout_ms"`
		} `yaml:"etcd" json:"etcd"`
		DynamoDB struct {
			Table string `yaml:"table" json:"table"`
		} `yaml:"dynamodb" json:"dynamodb"`
		DocumentDB struct {
			ConnectionString  string `yaml:"connection_string" json:"connection_string"`
			Username          string `yaml:"username" json:"username"`
			PasswordSecretArn string `yaml:"password_secret_arn" json:"password_secret_arn"`
			CAFile            string `yaml:"ca_file" json:"ca_file"`
			DatabaseName      string `yaml:"database_name" json:"database_name"`
			Collection        string `yaml:"collection" json:"collection"`
		} `yaml:"documentdb" json:"documentdb"`
	} `yaml:"metadata" json:"metadata"`
	Content struct {
		// Type is fs or s3
		Type string `yaml:"type" json:"type"`
		FS   struct {
			BaseDir string `yaml:"base_dir" json:"base_dir"`
		} `yaml:"fs" json:"fs"`
		S3 struct {
			BucketName string `yaml:"bucket_name" json:"bucket_name"`
			Prefix     string `yaml:"prefix" json:"prefix"`
		} `yaml:"s3" json:"s3"`
	} `yaml:"content" json:"content"`
	Cache struct {
		Address string `yaml:"address" json:"address"`
		TTL     int    `yaml:"ttl" json:"ttl"`
	} `yaml:"cache" json:"cache"`
	AWS struct {
		Region string `yaml:"region" json:"region"`
	} `yaml:"aws" json:"aws"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

// LoadConfig loads the configuration from a YAML file, or from a JSON
// SSM parameter when path starts with "ssm:". An empty path yields defaults.
func LoadConfig(path string) (*Config, error) {
	switch {
	case path == "":
		config := &Config{}
		applyDefaults(config)
		return config, nil
	case strings.HasPrefix(path, ssmPrefix):
		return loadConfigFromParameterStore(strings.TrimPrefix(path, ssmPrefix))
	default:
		return loadConfigFromFile(path)
	}
}

// loadConfigFromFile loads the configuration from a YAML file
func loadConfigFromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&config)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadConfigFromParameterStore loads the configuration from AWS Parameter Store
func loadConfigFromParameterStore(paramPath string) (*Config, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	param, err := ssm.New(sess).GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(paramPath),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter from Parameter Store: %w", err)
	}

	var config Config
	if err := json.Unmarshal([]byte(aws.StringValue(param.Parameter.Value)), &config); err != nil {
		return nil, fmt.Errorf("failed to parse parameter value as JSON: %w", err)
	}
	applyDefaults(&config)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults sets default values for the configuration
func applyDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 8081
	}
	if config.Server.PublicURL == "" {
		config.Server.PublicURL = fmt.Sprintf("http://localhost:%d", config.Server.HTTPPort)
	}
	if config.Server.UserHeader == "" {
		config.Server.UserHeader = "X-User"
	}
	if config.Server.LikeTimeoutMS == 0 {
		config.Server.LikeTimeoutMS = 5000
	}
	if config.Metadata.Type == "" {
		config.Metadata.Type = "memory"
	}
	if config.Metadata.SQLite.Path == "" {
		config.Metadata.SQLite.Path = "videos.db"
	}
	if config.Metadata.Etcd.DialTimeoutMS == 0 {
		config.Metadata.Etcd.DialTimeoutMS = 5000
	}
	if config.Metadata.DynamoDB.Table == "" {
		config.Metadata.DynamoDB.Table = "videosvc-kv"
	}
	if config.Metadata.DocumentDB.DatabaseName == "" {
		config.Metadata.DocumentDB.DatabaseName = "videosvc"
	}
	if config.Metadata.DocumentDB.Collection == "" {
		config.Metadata.DocumentDB.Collection = "kv"
	}
	if config.Content.Type == "" {
		config.Content.Type = "fs"
	}
	if config.Content.FS.BaseDir == "" {
		config.Content.FS.BaseDir = "video-data"
	}
	if config.Cache.TTL == 0 {
		config.Cache.TTL = 3600
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-west-2"
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Metadata.Type {
	case "memory", "sqlite", "redis", "etcd", "dynamodb", "documentdb":
	default:
		return fmt.Errorf("unknown metadata type %q", c.Metadata.Type)
	}
	switch c.Content.Type {
	case "fs", "s3":
	default:
		return fmt.Errorf("unknown content type %q", c.Content.Type)
	}
	if c.Metadata.Type == "redis" && c.Metadata.Redis.Address == "" {
		return fmt.Errorf("metadata.redis.address is required")
	}
	if c.Metadata.Type == "etcd" && c.Metadata.Etcd.Endpoints == "" {
		return fmt.Errorf("metadata.etcd.endpoints is required")
	}
	if c.Metadata.Type == "documentdb" && c.Metadata.DocumentDB.ConnectionString == "" {
		return fmt.Errorf("metadata.documentdb.connection_string is required")
	}
	if c.Content.Type == "s3" && c.Content.S3.BucketName == "" {
		return fmt.Errorf("content.s3.bucket_name is required")
	}
	return nil
}
