// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nscribe-server.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do nscribe-server.
type ServerConfig struct {
	Server        ServerListen        `yaml:"server"`
	Logging       LoggingInfo         `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	KV            KVConfig            `yaml:"kv"`
	Transcription UpstreamConfig      `yaml:"transcription"`
	Correction    UpstreamConfig      `yaml:"correction"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Workers       WorkersConfig       `yaml:"workers"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Stream        StreamConfig        `yaml:"stream"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	History       HistoryConfig       `yaml:"history"`
	Admin         AdminConfig         `yaml:"admin"`
	Debug         DebugConfig         `yaml:"debug"`
}

// ServerListen contém o endereço de escuta HTTP e o par TLS opcional.
type ServerListen struct {
	Listen       string        `yaml:"listen"`        // default: ":9850"
	TLSCert      string        `yaml:"tls_cert"`      // opcional; se presente, exige tls_key
	TLSKey       string        `yaml:"tls_key"`       //
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 60s (uploads grandes)
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 0 (SSE exige escrita longa)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 120s
}

// LoggingInfo configura o logger slog global.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
	File   string `yaml:"file"`   // opcional: stdout + arquivo
}

// StorageConfig seleciona o backend de object storage dos chunks.
type StorageConfig struct {
	Backend string        `yaml:"backend"` // local|s3 (default: local)
	Local   LocalStorage  `yaml:"local"`
	S3      S3Storage     `yaml:"s3"`
}

// LocalStorage é o backend de chunks em diretório local.
type LocalStorage struct {
	BaseDir string `yaml:"base_dir"` // default: "data/blobs"
}

// S3Storage é o backend de chunks em bucket S3 (ou compatível).
type S3Storage struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // opcional: MinIO/compatíveis
	Prefix   string `yaml:"prefix"`   // prefixo de chaves (default: "nscribe")

	// Credenciais estáticas via env var, para endpoints compatíveis sem a
	// cadeia AWS default. Vazio usa a cadeia default do SDK.
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// KVConfig configura o store de jobs (Badger com TTL).
type KVConfig struct {
	Path   string        `yaml:"path"`    // default: "data/kv"
	JobTTL time.Duration `yaml:"job_ttl"` // default: 24h, renovado a cada write
}

// UpstreamConfig descreve uma API upstream (transcrição ou correção) e
// os limites do gate correspondente.
type UpstreamConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	APIKeyEnv     string        `yaml:"api_key_env"`    // nome da env var com a chave
	Timeout       time.Duration `yaml:"timeout"`        // default: 120s (stt) / 60s (llm)
	MaxRetries    int           `yaml:"max_retries"`    // default: 5 (stt) / 3 (llm)
	BackoffBase   time.Duration `yaml:"backoff_base"`   // default: 1s
	BackoffCap    time.Duration `yaml:"backoff_cap"`    // default: 15s (stt) / 5s (llm)
	MaxConcurrent int           `yaml:"max_concurrent"` // default: 4 (stt) / 3 (llm)
	MaxRPS        float64       `yaml:"max_rps"`        // default: 10 (stt) / 8 (llm); <=0 desabilita
	Uniform       bool          `yaml:"uniform"`        // espaçamento uniforme entre releases
	MinChars      int           `yaml:"min_chars"`      // correção: tamanho mínimo de texto (default: 10)
}

// ChunkingConfig controla o splitter de bytes.
type ChunkingConfig struct {
	ChunkSize      string  `yaml:"chunk_size"` // default: "10mb"
	ChunkSizeRaw   int64   `yaml:"-"`
	OverlapPercent float64 `yaml:"overlap_percent"` // default: 5.0
	OverlapMax     string  `yaml:"overlap_max"`     // default: "50kb"
	OverlapMaxRaw  int64   `yaml:"-"`
}

// WorkersConfig dimensiona o pool de chunk-processing.
type WorkersConfig struct {
	Count              int           `yaml:"count"`                 // default: 4
	QueueSize          int           `yaml:"queue_size"`            // default: 256
	StallTimeout       time.Duration `yaml:"stall_timeout"`         // default: 120s
	StallCheckInterval time.Duration `yaml:"stall_check_interval"`  // default: 15s
	StallMaxPerCycle   int           `yaml:"stall_max_per_cycle"`   // default: 5
	JobSpawnConcurrent int           `yaml:"job_spawn_concurrent"`  // default: 2
	ChunkConcurrent    int           `yaml:"chunk_concurrent"`      // default: 3
}

// IngestConfig controla a ingestão de arquivos (upload direto e por URL).
type IngestConfig struct {
	URLTimeout        time.Duration `yaml:"url_timeout"`       // default: 30s
	MaxFileSize       string        `yaml:"max_file_size"`     // default: "2gb"
	MaxFileSizeRaw    int64         `yaml:"-"`
	DirectMaxSize     string        `yaml:"direct_max_size"` // fast path: default "10mb"
	DirectMaxRaw      int64         `yaml:"-"`
	MaxBytesPerSec    string        `yaml:"max_bytes_per_sec"` // throttle de download por URL; "0" desabilita
	MaxBytesPerSecRaw int64         `yaml:"-"`
}

// StreamConfig controla o SSE emitter.
type StreamConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"` // default: 2s
	MaxDuration  time.Duration `yaml:"max_duration"`  // default: 30m
}

// WebhookConfig controla a notificação terminal.
type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default: 10s
}

// JanitorConfig controla a varredura de jobs expirados e chunks órfãos.
type JanitorConfig struct {
	Schedule string `yaml:"schedule"` // cron expression (default: "@every 10m")
}

// HistoryConfig configura persistência de eventos e histórico de jobs.
type HistoryConfig struct {
	Dir              string `yaml:"dir"`                // default: "data/history"
	EventsFile       string `yaml:"events_file"`        // default: "events.jsonl"
	EventsMaxLines   int    `yaml:"events_max_lines"`   // default: 10000
	JobsFile         string `yaml:"jobs_file"`          // default: "jobs.jsonl"
	JobsMaxLines     int    `yaml:"jobs_max_lines"`     // default: 5000
	RingCapacity     int    `yaml:"ring_capacity"`      // default: 200
	CompressRotated  bool   `yaml:"compress_rotated"`   // default: true (zstd)
}

// AdminConfig protege as rotas /api/v1/* com ACL por IP/CIDR (deny-by-default).
type AdminConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowOrigins []string `yaml:"allow_origins"`

	// ParsedCIDRs é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// DebugConfig habilita artefatos de depuração.
type DebugConfig struct {
	SaveChunks bool   `yaml:"save_chunks"` // arquiva chunks em tar.gz por job
	Dir        string `yaml:"dir"`         // default: "data/debug"
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e rejeita valores inválidos.
// Exportado para permitir que testes construam configs em memória.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":9850"
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Storage
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			c.Storage.Local.BaseDir = "data/blobs"
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when backend is s3")
		}
		if c.Storage.S3.Prefix == "" {
			c.Storage.S3.Prefix = "nscribe"
		}
	default:
		return fmt.Errorf("storage.backend must be local or s3, got %q", c.Storage.Backend)
	}

	// KV
	if c.KV.Path == "" {
		c.KV.Path = "data/kv"
	}
	if c.KV.JobTTL <= 0 {
		c.KV.JobTTL = 24 * time.Hour
	}

	// Upstreams
	if c.Transcription.Endpoint == "" {
		return fmt.Errorf("transcription.endpoint is required")
	}
	applyUpstreamDefaults(&c.Transcription, upstreamDefaults{
		apiKeyEnv:     "NSCRIBE_STT_API_KEY",
		timeout:       120 * time.Second,
		maxRetries:    5,
		backoffCap:    15 * time.Second,
		maxConcurrent: 4,
		maxRPS:        10,
	})
	// Correção é opcional: endpoint vazio desabilita use_llm nos jobs.
	applyUpstreamDefaults(&c.Correction, upstreamDefaults{
		apiKeyEnv:     "NSCRIBE_LLM_API_KEY",
		timeout:       60 * time.Second,
		maxRetries:    3,
		backoffCap:    5 * time.Second,
		maxConcurrent: 3,
		maxRPS:        8,
	})
	if c.Correction.MinChars <= 0 {
		c.Correction.MinChars = 10
	}

	// Chunking
	if c.Chunking.ChunkSize == "" {
		c.Chunking.ChunkSize = "10mb"
	}
	parsed, err := ParseByteSize(c.Chunking.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunking.chunk_size: %w", err)
	}
	if parsed < 256*1024 {
		return fmt.Errorf("chunking.chunk_size must be at least 256kb, got %s", c.Chunking.ChunkSize)
	}
	c.Chunking.ChunkSizeRaw = parsed

	if c.Chunking.OverlapPercent <= 0 {
		c.Chunking.OverlapPercent = 5.0
	}
	if c.Chunking.OverlapPercent > 50 {
		return fmt.Errorf("chunking.overlap_percent must be at most 50, got %v", c.Chunking.OverlapPercent)
	}
	if c.Chunking.OverlapMax == "" {
		c.Chunking.OverlapMax = "50kb"
	}
	parsed, err = ParseByteSize(c.Chunking.OverlapMax)
	if err != nil {
		return fmt.Errorf("chunking.overlap_max: %w", err)
	}
	c.Chunking.OverlapMaxRaw = parsed

	// Workers
	if c.Workers.Count <= 0 {
		c.Workers.Count = 4
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = 256
	}
	if c.Workers.StallTimeout <= 0 {
		c.Workers.StallTimeout = 120 * time.Second
	}
	if c.Workers.StallCheckInterval <= 0 {
		c.Workers.StallCheckInterval = 15 * time.Second
	}
	if c.Workers.StallMaxPerCycle <= 0 {
		c.Workers.StallMaxPerCycle = 5
	}
	if c.Workers.JobSpawnConcurrent <= 0 {
		c.Workers.JobSpawnConcurrent = 2
	}
	if c.Workers.ChunkConcurrent <= 0 {
		c.Workers.ChunkConcurrent = 3
	}

	// Ingest
	if c.Ingest.URLTimeout <= 0 {
		c.Ingest.URLTimeout = 30 * time.Second
	}
	if c.Ingest.MaxFileSize == "" {
		c.Ingest.MaxFileSize = "2gb"
	}
	parsed, err = ParseByteSize(c.Ingest.MaxFileSize)
	if err != nil {
		return fmt.Errorf("ingest.max_file_size: %w", err)
	}
	c.Ingest.MaxFileSizeRaw = parsed

	if c.Ingest.DirectMaxSize == "" {
		c.Ingest.DirectMaxSize = "10mb"
	}
	parsed, err = ParseByteSize(c.Ingest.DirectMaxSize)
	if err != nil {
		return fmt.Errorf("ingest.direct_max_size: %w", err)
	}
	c.Ingest.DirectMaxRaw = parsed

	if c.Ingest.MaxBytesPerSec == "" {
		c.Ingest.MaxBytesPerSec = "0"
	}
	parsed, err = ParseByteSize(c.Ingest.MaxBytesPerSec)
	if err != nil {
		return fmt.Errorf("ingest.max_bytes_per_sec: %w", err)
	}
	c.Ingest.MaxBytesPerSecRaw = parsed

	// Stream
	if c.Stream.PollInterval <= 0 {
		c.Stream.PollInterval = 2 * time.Second
	}
	if c.Stream.MaxDuration <= 0 {
		c.Stream.MaxDuration = 30 * time.Minute
	}

	// Webhook
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}

	// Janitor
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 10m"
	}

	// History
	if c.History.Dir == "" {
		c.History.Dir = "data/history"
	}
	if c.History.EventsFile == "" {
		c.History.EventsFile = "events.jsonl"
	}
	if c.History.EventsMaxLines <= 0 {
		c.History.EventsMaxLines = 10000
	}
	if c.History.JobsFile == "" {
		c.History.JobsFile = "jobs.jsonl"
	}
	if c.History.JobsMaxLines <= 0 {
		c.History.JobsMaxLines = 5000
	}
	if c.History.RingCapacity <= 0 {
		c.History.RingCapacity = 200
	}

	// Admin ACL (deny-by-default)
	if c.Admin.Enabled {
		if len(c.Admin.AllowOrigins) == 0 {
			return fmt.Errorf("admin.allow_origins is required when admin is enabled (deny-by-default)")
		}
		for _, origin := range c.Admin.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("admin.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Admin.ParsedCIDRs = append(c.Admin.ParsedCIDRs, cidr)
		}
	}

	// Debug. O diretório sempre recebe default porque jobs individuais
	// podem pedir debug_save_chunks mesmo com o flag global desligado.
	if c.Debug.Dir == "" {
		c.Debug.Dir = "data/debug"
	}

	return nil
}

type upstreamDefaults struct {
	apiKeyEnv     string
	timeout       time.Duration
	maxRetries    int
	backoffCap    time.Duration
	maxConcurrent int
	maxRPS        float64
}

func applyUpstreamDefaults(u *UpstreamConfig, d upstreamDefaults) {
	if u.APIKeyEnv == "" {
		u.APIKeyEnv = d.apiKeyEnv
	}
	if u.Timeout <= 0 {
		u.Timeout = d.timeout
	}
	if u.MaxRetries <= 0 {
		u.MaxRetries = d.maxRetries
	}
	if u.BackoffBase <= 0 {
		u.BackoffBase = time.Second
	}
	if u.BackoffCap <= 0 {
		u.BackoffCap = d.backoffCap
	}
	if u.MaxConcurrent <= 0 {
		u.MaxConcurrent = d.maxConcurrent
	}
	if u.MaxRPS == 0 {
		u.MaxRPS = d.maxRPS
	}
}

// APIKey resolve a chave da API a partir da env var configurada.
// Retorna vazio se a env var não estiver definida (upstreams sem auth).
func (u UpstreamConfig) APIKey() string {
	return os.Getenv(u.APIKeyEnv)
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
