package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ExecutorMode selects how many node jobs may run at once.
type ExecutorMode string

const (
	ExecutorModeConcurrent ExecutorMode = "concurrent"
	ExecutorModeSequential ExecutorMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Environment variables read by LoadConfig.
const (
	EnvMaxConcurrent         = "DAEDALUS_MAX_CONCURRENT"
	EnvConcurrencyMultiplier = "DAEDALUS_CONCURRENCY_MULTIPLIER"
	EnvWorkers               = "DAEDALUS_WORKERS"
	EnvExecutorMode          = "DAEDALUS_EXECUTOR_MODE"
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxConcurrent bounds limiter-guarded work such as script VMs.
	MaxConcurrent int
	// Workers is the executor pool size.
	Workers       int
	ExecutorMode  ExecutorMode
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxConcurrent := getEnvInt(EnvMaxConcurrent, 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt(EnvConcurrencyMultiplier, 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = getDefaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	config.ExecutorMode = ExecutorMode(strings.ToLower(os.Getenv(EnvExecutorMode)))
	if config.ExecutorMode != ExecutorModeSequential {
		config.ExecutorMode = ExecutorModeConcurrent
	}

	switch {
	case config.ExecutorMode == ExecutorModeSequential:
		config.Workers = 1
	case getEnvInt(EnvWorkers, 0) > 0:
		config.Workers = getEnvInt(EnvWorkers, 0)
	default:
		config.Workers = getDefaultWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func getDefaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

// getDefaultWorkers sizes the executor pool. Node jobs mostly wait on I/O or
// on nested workflows, so the pool is larger than the CPU count.
func getDefaultWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, Workers: %d, ExecutorMode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.Workers,
		c.ExecutorMode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
