/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"KILN_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"KILN_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"KILN_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"KILN_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"KILN_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"KILN_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns             string `json:"dns" envconfig:"KILN_DATA_SOURCE_DNS"`
	MaxOpenConns    int    `json:"max_open_conns" envconfig:"KILN_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" envconfig:"KILN_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_minutes" envconfig:"KILN_DATA_SOURCE_CONN_MAX_LIFETIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"KILN_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"KILN_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	WebhookQueue    string `json:"webhook_queue" envconfig:"KILN_QUEUE_WEBHOOK"`
	ReconcileQueue  string `json:"reconcile_queue" envconfig:"KILN_QUEUE_RECONCILE"`
	NumberOfQueues  int    `json:"number_of_queues" envconfig:"KILN_QUEUE_NUMBER_OF_QUEUES"`
	WebhookRetries  int    `json:"webhook_retries" envconfig:"KILN_QUEUE_WEBHOOK_RETRIES"`
	Concurrency     int    `json:"concurrency" envconfig:"KILN_QUEUE_CONCURRENCY"`
	MonitoringPort  string `json:"monitoring_port" envconfig:"KILN_QUEUE_MONITORING_PORT"`
	NotifyTimeoutMs int    `json:"notify_timeout_ms" envconfig:"KILN_QUEUE_NOTIFY_TIMEOUT_MS"`
}

// ReconcilerConfig holds the job state machine timings. All durations are in seconds.
type ReconcilerConfig struct {
	MaxWorkers         int            `json:"max_workers" envconfig:"KILN_RECONCILER_MAX_WORKERS"`
	BatchSize          int            `json:"batch_size" envconfig:"KILN_RECONCILER_BATCH_SIZE"`
	SweepInterval      int            `json:"sweep_interval" envconfig:"KILN_RECONCILER_SWEEP_INTERVAL"`
	SubmitTimeout      int            `json:"submit_timeout" envconfig:"KILN_RECONCILER_SUBMIT_TIMEOUT"`
	SubmissionTimeout  int            `json:"submission_timeout" envconfig:"KILN_RECONCILER_SUBMISSION_TIMEOUT"`
	ProviderAckTimeout int            `json:"provider_ack_timeout" envconfig:"KILN_RECONCILER_PROVIDER_ACK_TIMEOUT"`
	LifetimeCeiling    int            `json:"lifetime_ceiling" envconfig:"KILN_RECONCILER_LIFETIME_CEILING"`
	KindCeilings       map[string]int `json:"kind_ceilings"`
	MaxSubmitAttempts  int            `json:"max_submit_attempts" envconfig:"KILN_RECONCILER_MAX_SUBMIT_ATTEMPTS"`
	PollIntervalYoung  int            `json:"poll_interval_young" envconfig:"KILN_RECONCILER_POLL_INTERVAL_YOUNG"`
	PollIntervalMature int            `json:"poll_interval_mature" envconfig:"KILN_RECONCILER_POLL_INTERVAL_MATURE"`
	YoungThreshold     int            `json:"young_threshold" envconfig:"KILN_RECONCILER_YOUNG_THRESHOLD"`
	LeaseTTL           int            `json:"lease_ttl" envconfig:"KILN_RECONCILER_LEASE_TTL"`
	SettlementRetry    int            `json:"settlement_retry" envconfig:"KILN_RECONCILER_SETTLEMENT_RETRY"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (r ReconcilerConfig) SweepEvery() time.Duration        { return seconds(r.SweepInterval) }
func (r ReconcilerConfig) SubmitDeadline() time.Duration    { return seconds(r.SubmitTimeout) }
func (r ReconcilerConfig) SubmissionStale() time.Duration   { return seconds(r.SubmissionTimeout) }
func (r ReconcilerConfig) AckDeadline() time.Duration       { return seconds(r.ProviderAckTimeout) }
func (r ReconcilerConfig) YoungFor() time.Duration          { return seconds(r.YoungThreshold) }
func (r ReconcilerConfig) LeaseFor() time.Duration          { return seconds(r.LeaseTTL) }
func (r ReconcilerConfig) SettlementRetryIn() time.Duration { return seconds(r.SettlementRetry) }

// PollInterval returns how long to wait before polling a job of the given age again.
func (r ReconcilerConfig) PollInterval(age time.Duration) time.Duration {
	if age < r.YoungFor() {
		return seconds(r.PollIntervalYoung)
	}
	return seconds(r.PollIntervalMature)
}

// CeilingFor returns the absolute lifetime of a job of the given kind.
func (r ReconcilerConfig) CeilingFor(kind string) time.Duration {
	if c, ok := r.KindCeilings[kind]; ok && c > 0 {
		return seconds(c)
	}
	return seconds(r.LifetimeCeiling)
}

// ProviderConfig describes one provider adapter and the kinds it serves.
type ProviderConfig struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	BaseURL      string   `json:"base_url"`
	APIKey       string   `json:"api_key"`
	CallbackURL  string   `json:"callback_url"`
	Kinds        []string `json:"kinds"`
	Timeout      int      `json:"timeout"`
	MaxRetries   int      `json:"max_retries"`
	// AutoComplete is how many polls a mock task reports processing before it
	// succeeds. Zero leaves mock tasks pending until completed by hand.
	AutoComplete int `json:"auto_complete"`
}

type PricingConfig struct {
	Defaults map[string]int64 `json:"defaults"`
	CacheTTL int              `json:"cache_ttl" envconfig:"KILN_PRICING_CACHE_TTL"`
}

// StorageConfig enables mirroring of completed results into an S3 compatible bucket.
type StorageConfig struct {
	Enabled         bool     `json:"enabled" envconfig:"KILN_STORAGE_ENABLED"`
	Bucket          string   `json:"bucket" envconfig:"KILN_STORAGE_BUCKET"`
	Region          string   `json:"region" envconfig:"KILN_STORAGE_REGION"`
	Endpoint        string   `json:"endpoint" envconfig:"KILN_STORAGE_ENDPOINT"`
	AccessKeyID     string   `json:"access_key_id" envconfig:"KILN_STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string   `json:"secret_access_key" envconfig:"KILN_STORAGE_SECRET_ACCESS_KEY"`
	Prefix          string   `json:"prefix" envconfig:"KILN_STORAGE_PREFIX"`
	PublicBaseURL   string   `json:"public_base_url" envconfig:"KILN_STORAGE_PUBLIC_BASE_URL"`
	ForcePathStyle  bool     `json:"force_path_style" envconfig:"KILN_STORAGE_FORCE_PATH_STYLE"`
	Kinds           []string `json:"kinds"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"KILN_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"KILN_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"KILN_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"KILN_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"KILN_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"KILN_PROJECT_NAME"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Reconciler      ReconcilerConfig `json:"reconciler"`
	Providers       []ProviderConfig `json:"providers"`
	Pricing         PricingConfig    `json:"pricing"`
	Storage         StorageConfig    `json:"storage"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"KILN_ENABLE_TELEMETRY"`
	TelemetryKey    string           `json:"telemetry_key" envconfig:"KILN_TELEMETRY_KEY"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("kiln", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called kiln.json with your config ❌")
	}
	return c, nil
}

// DefaultPrices is used for kinds that have neither a pricing row nor a configured default.
var DefaultPrices = map[string]int64{
	"image":   5,
	"video":   50,
	"audio":   10,
	"music":   20,
	"upscale": 8,
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Kiln Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setReconcilerDefaults()

	if err := cnf.validateProviders(); err != nil {
		return err
	}

	cnf.setPricingDefaults()

	if cnf.Storage.Enabled && cnf.Storage.Bucket == "" {
		return errors.New("storage bucket is required when result mirroring is enabled")
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setPricingDefaults() {
	if cnf.Pricing.Defaults == nil {
		cnf.Pricing.Defaults = make(map[string]int64)
	}
	for kind, price := range DefaultPrices {
		if _, ok := cnf.Pricing.Defaults[kind]; !ok {
			cnf.Pricing.Defaults[kind] = price
		}
	}
	if cnf.Pricing.CacheTTL <= 0 {
		cnf.Pricing.CacheTTL = 60
	}
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "webhook_queue"
	}
	if cnf.Queue.ReconcileQueue == "" {
		cnf.Queue.ReconcileQueue = "reconcile"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 10
	}
	if cnf.Queue.WebhookRetries <= 0 {
		cnf.Queue.WebhookRetries = 5
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
	if cnf.Queue.NotifyTimeoutMs <= 0 {
		cnf.Queue.NotifyTimeoutMs = 500
	}
}

// setReconcilerDefaults fills timings that were left unset. The submit timeout
// must stay below the submission timeout so the sweep never races the dispatcher.
func (cnf *Configuration) setReconcilerDefaults() {
	r := &cnf.Reconciler
	defaults := []struct {
		field *int
		value int
	}{
		{&r.MaxWorkers, 10},
		{&r.SweepInterval, 5},
		{&r.SubmitTimeout, 15},
		{&r.SubmissionTimeout, 60},
		{&r.ProviderAckTimeout, 600},
		{&r.LifetimeCeiling, 3600},
		{&r.MaxSubmitAttempts, 3},
		{&r.PollIntervalYoung, 5},
		{&r.PollIntervalMature, 30},
		{&r.YoungThreshold, 120},
		{&r.LeaseTTL, 60},
		{&r.SettlementRetry, 30},
	}
	for _, d := range defaults {
		if *d.field <= 0 {
			*d.field = d.value
		}
	}
	if r.BatchSize <= 0 {
		r.BatchSize = r.MaxWorkers * 10
	}
	if r.SubmitTimeout >= r.SubmissionTimeout {
		log.Printf("Warning: submit timeout %ds is not below submission timeout %ds. Raising submission timeout.", r.SubmitTimeout, r.SubmissionTimeout)
		r.SubmissionTimeout = r.SubmitTimeout * 2
	}
}

func (cnf *Configuration) validateProviders() error {
	seen := make(map[string]bool)
	for i := range cnf.Providers {
		p := &cnf.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return errors.New("provider name is required")
		}
		if seen[p.Name] {
			return errors.New("duplicate provider name " + p.Name)
		}
		seen[p.Name] = true
		if p.Type == "" {
			p.Type = p.Name
		}
		if p.Timeout <= 0 {
			p.Timeout = 45
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 2
		}
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes. Queue, reconciler
// and pricing defaults are filled in the same way a loaded file would get them.
func MockConfig(mockConfig *Configuration) {
	mockConfig.setQueueDefaults()
	mockConfig.setReconcilerDefaults()
	mockConfig.setPricingDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
