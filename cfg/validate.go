// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import "fmt"

func isValidLogRotateConfig(c *LogRotateConfig) error {
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if c.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (retain all) or positive")
	}
	return nil
}

func isValidSeverity(s string) error {
	var l LogSeverity
	return l.UnmarshalText([]byte(s))
}

func isValidBackendConfig(c *BackendConfig) error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket must be set")
	}
	return nil
}

func isValidIOConfig(c *IOConfig) error {
	if c.AIOWorkers <= 0 {
		return fmt.Errorf("aio-workers must be positive, got %d", c.AIOWorkers)
	}
	if c.GCSChunkSizeBytes <= 0 {
		return fmt.Errorf("gcs-chunk-size-bytes must be positive, got %d", c.GCSChunkSizeBytes)
	}
	if c.NotifyWriteThrottleMillis < 0 {
		return fmt.Errorf("notify-write-throttle-millis must not be negative")
	}
	return nil
}

// ValidateConfig returns a non-nil error if config is invalid, matching the
// teacher's small-per-field-check composition style.
func ValidateConfig(config *Config) error {
	if err := isValidBackendConfig(&config.Backend); err != nil {
		return fmt.Errorf("error parsing backend config: %w", err)
	}
	if err := isValidIOConfig(&config.IO); err != nil {
		return fmt.Errorf("error parsing io config: %w", err)
	}
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if err := isValidSeverity(config.Logging.Severity); err != nil {
		return fmt.Errorf("error parsing logging.severity: %w", err)
	}
	return nil
}
