package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tramita.yml.
type Config struct {
	Institution struct {
		Name string `yaml:"name"`
		City string `yaml:"city"`
	} `yaml:"institution"`
	Intake struct {
		Module string `yaml:"module"`
	} `yaml:"intake"`
	Modules   map[string]Module `yaml:"modules"`
	Signature SignatureConfig   `yaml:"signature"`
	Dossier   DossierConfig     `yaml:"dossier"`
	Batch     struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"batch"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Module is an organizational unit a request can be routed to.
type Module struct {
	Description string `yaml:"description"`
	RoleGroup   string `yaml:"role_group"`
}

type SignatureConfig struct {
	IdentityTimeout    time.Duration `yaml:"identity_timeout"`
	GeolocationTimeout time.Duration `yaml:"geolocation_timeout"`
}

type DossierConfig struct {
	ResetLaneAOnReturn *bool `yaml:"reset_lane_a_on_return"`
	AutoAdvance        bool  `yaml:"auto_advance"`
	MaxUploadBytes     int64 `yaml:"max_upload_bytes"`
}

// ResetsLaneAOnReturn reports whether tramitado Lane A items fall back when the
// ordenador returns a request. Defaults to true.
func (d DossierConfig) ResetsLaneAOnReturn() bool {
	if d.ResetLaneAOnReturn == nil {
		return true
	}
	return *d.ResetLaneAOnReturn
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Dir    string      `yaml:"dir"`
	MinIO  MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	JWKSURL          string        `yaml:"jwks_url"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	AllowActorHeader bool          `yaml:"allow_actor_header"`
}

// TelemetryConfig switches trace export on. Exporter endpoint, headers and
// sampling come from the standard OTEL_* environment variables.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	RoleGroups     []string `yaml:"role_groups"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Modules) == 0 {
		return fmt.Errorf("config.modules is required")
	}
	for id, m := range c.Modules {
		if id == "" {
			return fmt.Errorf("config.modules contains empty module id")
		}
		if m.RoleGroup == "" {
			return fmt.Errorf("module %s has empty role_group", id)
		}
	}
	if c.Intake.Module == "" {
		return fmt.Errorf("config.intake.module is required")
	}
	if _, ok := c.Modules[c.Intake.Module]; !ok {
		return fmt.Errorf("config.intake.module references unknown module %s", c.Intake.Module)
	}
	if c.Signature.IdentityTimeout < 0 || c.Signature.GeolocationTimeout < 0 {
		return fmt.Errorf("config.signature timeouts must not be negative")
	}
	if c.Batch.Concurrency < 0 {
		return fmt.Errorf("config.batch.concurrency must not be negative")
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	switch c.Storage.Driver {
	case "", "dir":
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("config.storage.minio requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("config.storage.driver must be dir or minio")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ApplyDefaults fills zero values that have a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Signature.IdentityTimeout == 0 {
		c.Signature.IdentityTimeout = 5 * time.Second
	}
	if c.Signature.GeolocationTimeout == 0 {
		c.Signature.GeolocationTimeout = 2 * time.Second
	}
	if c.Batch.Concurrency == 0 {
		c.Batch.Concurrency = 4
	}
	if c.Dossier.MaxUploadBytes == 0 {
		c.Dossier.MaxUploadBytes = 20 << 20
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 512
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Minute
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 8 * time.Hour
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tramita"
	}
}

// HasModule reports whether id is in the module catalog.
func (c *Config) HasModule(id string) bool {
	_, ok := c.Modules[id]
	return ok
}

// RoleGroup returns the notification audience of a module.
func (c *Config) RoleGroup(module string) string {
	return c.Modules[module].RoleGroup
}

// ModuleIDs returns the catalog ids sorted.
func (c *Config) ModuleIDs() []string {
	ids := make([]string, 0, len(c.Modules))
	for id := range c.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tramita.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic("config: default template invalid: " + err.Error())
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `institution:
  name: "Tribunal do Júri Municipal"
  city: "São Paulo"

intake:
  module: protocolo

modules:
  protocolo:
    description: "Protocolo e autuação"
    role_group: protocolo
  gestao:
    description: "Gestão da unidade requisitante"
    role_group: gestores
  analise:
    description: "Análise técnica de despesas"
    role_group: analistas
  juridico:
    description: "Assessoria jurídica"
    role_group: juridico
  ordenador:
    description: "Gabinete do ordenador de despesas"
    role_group: ordenadores
  financeiro:
    description: "Execução financeira e pagamento"
    role_group: financeiro

signature:
  identity_timeout: 5s
  geolocation_timeout: 2s

dossier:
  reset_lane_a_on_return: true
  auto_advance: false
  max_upload_bytes: 20971520

batch:
  concurrency: 4

database:
  driver: sqlite

storage:
  driver: dir
  dir: .tramita/blobs

cache:
  size: 512
  ttl: 1m

auth:
  allow_actor_header: true
  token_ttl: 8h

telemetry:
  enabled: false
  service_name: tramita
`
