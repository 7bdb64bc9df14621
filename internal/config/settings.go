package config

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Pool struct {
		MinSize                     int     `json:"min_size"`
		MaxSize                     int     `json:"max_size"`
		MinQuality                  float64 `json:"min_quality"`
		ConsecutiveFailureThreshold uint32  `json:"consecutive_failure_threshold"`
		RetireFailureCeiling        uint64  `json:"retire_failure_ceiling"`
		ValidationTimeoutMs         uint32  `json:"validation_timeout_ms"`
		ValidationBatchSize         int     `json:"validation_batch_size"`
		ProbeURL                    string  `json:"probe_url"`
	} `json:"pool"`

	Scoring struct {
		SuccessRate                float64 `json:"success_rate"`
		Latency                    float64 `json:"latency"`
		Recency                    float64 `json:"recency"`
		Stability                  float64 `json:"stability"`
		LatencyCeilingMs           uint32  `json:"latency_ceiling_ms"`
		RecencyHalfLifeMinutes     uint32  `json:"recency_half_life_minutes"`
		StabilityPenaltyPerFailure float64 `json:"stability_penalty_per_failure"`
	} `json:"scoring"`

	RateLimit struct {
		DefaultRatePerSecond float64               `json:"default_rate_per_second"`
		DefaultBurst         int                   `json:"default_burst"`
		AcquireCeilingMs     uint32                `json:"acquire_ceiling_ms"`
		Scopes               map[string]ScopeLimit `json:"scopes"`
	} `json:"rate_limit"`

	Captcha struct {
		AttemptTimeoutMs     uint32 `json:"attempt_timeout_ms"`
		RemoteBaseURL        string `json:"remote_base_url"`
		RemoteAPIKey         string `json:"remote_api_key,omitempty"`
		RemotePollIntervalMs uint32 `json:"remote_poll_interval_ms"`
		RemoteMaxWaitMs      uint32 `json:"remote_max_wait_ms"`
		TesseractPath        string `json:"tesseract_path"`
		CharWhitelist        string `json:"char_whitelist"`
	} `json:"captcha"`

	Orchestrator struct {
		MaxRetries     int    `json:"max_retries"`
		FetchTimeoutMs uint32 `json:"fetch_timeout_ms"`
		BackoffBaseMs  uint32 `json:"backoff_base_ms"`
		RespectRobots  bool   `json:"respect_robots"`
	} `json:"orchestrator"`

	Revalidation struct {
		IntervalMinutes  uint32 `json:"interval_minutes"`
		ActiveOnly       bool   `json:"active_only"`
		UseRedisSchedule bool   `json:"use_redis_schedule"`
	} `json:"revalidation"`
}

type ScopeLimit struct {
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

const settingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic("config: invalid embedded default settings: " + err.Error())
	}
	configValue.Store(cfg)
}

// ReadSettings loads the settings file, creating it from the embedded
// defaults when absent. Errors keep the current in-memory config.
func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration")

			if err := os.MkdirAll(filepath.Dir(settingsFilePath), os.ModePerm); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err := os.WriteFile(settingsFilePath, defaultConfig, os.ModePerm); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	applyConfig(newConfig, false)
	log.Debug("Settings file loaded successfully")
}

// SetConfig replaces the active configuration and persists it.
func SetConfig(newConfig Config) {
	applyConfig(newConfig, true)
}

func applyConfig(newConfig Config, persist bool) {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)

	if !persist {
		return
	}

	data, err := json.MarshalIndent(newConfig, "", "  ")
	if err != nil {
		log.Error("Error marshalling new configuration", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(settingsFilePath), os.ModePerm); err != nil {
		log.Error("Error creating settings directory", "error", err)
		return
	}
	if err := os.WriteFile(settingsFilePath, data, os.ModePerm); err != nil {
		log.Error("Error writing new configuration to file", "error", err)
	}
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

// Duration accessors keep millisecond fields in one place.

func (c Config) ValidationTimeout() time.Duration {
	return time.Duration(c.Pool.ValidationTimeoutMs) * time.Millisecond
}

func (c Config) CaptchaAttemptTimeout() time.Duration {
	return time.Duration(c.Captcha.AttemptTimeoutMs) * time.Millisecond
}

func (c Config) RemotePollInterval() time.Duration {
	return time.Duration(c.Captcha.RemotePollIntervalMs) * time.Millisecond
}

func (c Config) RemoteMaxWait() time.Duration {
	return time.Duration(c.Captcha.RemoteMaxWaitMs) * time.Millisecond
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Orchestrator.FetchTimeoutMs) * time.Millisecond
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Orchestrator.BackoffBaseMs) * time.Millisecond
}

func (c Config) AcquireCeiling() time.Duration {
	return time.Duration(c.RateLimit.AcquireCeilingMs) * time.Millisecond
}

func (c Config) RevalidationInterval() time.Duration {
	return time.Duration(c.Revalidation.IntervalMinutes) * time.Minute
}
