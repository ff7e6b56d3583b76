// Package config loads the YAML-shaped configuration for each of
// clupy's three roles. Per spec.md §1 the loader itself is treated as
// an external collaborator; this package only owns the shapes and
// defaults every role needs to be runnable, using gopkg.in/yaml.v3 to
// unmarshal whatever file the loader hands it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MasterConfig holds the master's tunables (spec.md §6).
type MasterConfig struct {
	Port                      int           `yaml:"port"`
	RegistrationTTL           time.Duration `yaml:"registration_ttl"`
	ReservationTTL            time.Duration `yaml:"reservation_ttl"`
	MaintenancePeriod         time.Duration `yaml:"maintenance_period"`
	DefaultServerRequestCount int           `yaml:"default_server_request_count"`
}

// DefaultMasterConfig returns the defaults named in spec.md §6.
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Port:                      7878,
		RegistrationTTL:           300 * time.Second,
		ReservationTTL:            300 * time.Second,
		MaintenancePeriod:         30 * time.Second,
		DefaultServerRequestCount: 10,
	}
}

// LoadMasterConfig reads and unmarshals a master config file; any field
// the file does not set keeps its documented default.
func LoadMasterConfig(path string) (MasterConfig, error) {
	cfg := DefaultMasterConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading master config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing master config: %w", err)
	}
	return cfg, nil
}

// WorkerConfig holds a worker's tunables (spec.md §6).
type WorkerConfig struct {
	Port                 int           `yaml:"port"`
	ServerURL            string        `yaml:"server_url"`
	MasterURL            string        `yaml:"master_url"`
	RegistrationInterval time.Duration `yaml:"registration_interval"`
	FailureRetryInterval time.Duration `yaml:"failure_retry_interval"`
}

// DefaultWorkerConfig returns the defaults named in spec.md §6.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Port:                 7877,
		RegistrationInterval: 60 * time.Second,
		FailureRetryInterval: 5 * time.Second,
	}
}

// LoadWorkerConfig reads and unmarshals a worker config file.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading worker config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing worker config: %w", err)
	}
	return cfg, nil
}

// ClientConfig holds the client engine's tunables (spec.md §6: only
// master_url and client_id are spec-mandated; the maintenance tuning
// fields are this port's own scheduling knobs for dispatch step 4).
//
// ReservationTTL mirrors the master's own reservation_ttl (spec.md
// §6): the client has to know how long a lease the master grants in
// order to judge whether a pool's lease is approaching expiry and
// needs renewing, since the master does not report that back on
// allocate().
type ClientConfig struct {
	MasterURL            string        `yaml:"master_url"`
	MaintenancePeriod    time.Duration `yaml:"maintenance_period"`
	ReservationTTL       time.Duration `yaml:"reservation_ttl"`
	LeaseRenewMargin     time.Duration `yaml:"lease_renew_margin"`
	IdleReleaseThreshold time.Duration `yaml:"idle_release_threshold"`
}

// DefaultClientConfig returns sane scheduling defaults for the
// dispatch loop's periodic lease maintenance (spec.md §4.3 step 4).
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaintenancePeriod:    5 * time.Second,
		ReservationTTL:       300 * time.Second,
		LeaseRenewMargin:     60 * time.Second,
		IdleReleaseThreshold: 120 * time.Second,
	}
}

// LoadClientConfig reads and unmarshals a client config file.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading client config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing client config: %w", err)
	}
	return cfg, nil
}

// ClientID builds the <hostname>:<pid> identity spec.md §6 assigns
// each client process.
func ClientID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}
