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

// Package cfg holds the gateway's configuration surface: the knobs for the
// Backend connection, the Inode Cache/File Handler filesystem presentation,
// the AIO worker pool, and logging. Scoped to what this core actually reads;
// trimmed down from the full gcsfuse product's generated config package,
// which covers far more (streaming writes, client-side metadata caching,
// gRPC tuning) than this core's Dispatcher/Inode Cache/File Handler needs.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root configuration object, bound from flags, a YAML file,
// or both (flags win), the way the teacher's cfg.Config is bound.
type Config struct {
	AppName string `yaml:"app-name"`

	Backend    BackendConfig    `yaml:"backend"`
	FileSystem FileSystemConfig `yaml:"file-system"`
	IO         IOConfig         `yaml:"io"`
	Logging    LoggingConfig    `yaml:"logging"`
	Debug      DebugConfig      `yaml:"debug"`
}

// BackendConfig names the bucket this gateway exposes and how to reach it.
type BackendConfig struct {
	Bucket         string   `yaml:"bucket"`
	Project        string   `yaml:"project"`
	CustomEndpoint string   `yaml:"custom-endpoint"`
	Protocol       Protocol `yaml:"protocol"`
}

// FileSystemConfig controls the POSIX presentation of the Inode Cache.
type FileSystemConfig struct {
	FileMode Octal `yaml:"file-mode"`
	DirMode  Octal `yaml:"dir-mode"`
	Uid      int   `yaml:"uid"`
	Gid      int   `yaml:"gid"`

	ImplicitDirectories bool `yaml:"implicit-directories"`
	// DirTypeCacheTTLSecs is accepted in the config but not read by any
	// component; a DirHandle's use_dir_index decision lasts for the
	// handle's lifetime.
	DirTypeCacheTTLSecs int64 `yaml:"dir-type-cache-ttl-secs"`
}

// IOConfig tunes the event loop's AIO worker pool and the notify-write
// throttle.
type IOConfig struct {
	AIOWorkers                 int   `yaml:"aio-workers"`
	GCSChunkSizeBytes          int64 `yaml:"gcs-chunk-size-bytes"`
	NotifyWriteThrottleMillis  int64 `yaml:"notify-write-throttle-millis"`
	ShutdownDrainTimeoutMillis int64 `yaml:"shutdown-drain-timeout-millis"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Severity  string          `yaml:"severity"`
	Format    string          `yaml:"format"`
	FilePath  string          `yaml:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate"`
}

// LogRotateConfig configures lumberjack.Logger.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// DebugConfig exposes internal invariant-checking knobs, mirroring the
// teacher's DebugConfig.
type DebugConfig struct {
	ExitOnInvariantViolation bool   `yaml:"exit-on-invariant-violation"`
	LogMutex                 bool   `yaml:"log-mutex"`
	CrashLogFile             string `yaml:"crash-log-file"`
}

// BindFlags registers every flag and wires it to viper, in the same
// per-flag, per-error-checked style as the teacher's generated
// cfg.BindFlags.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(key, flag string) error {
		return viper.BindPFlag(key, flagSet.Lookup(flag))
	}

	flagSet.StringP("app-name", "", "gcsfuse-gateway", "The application name of this mount.")
	if err := bind("app-name", "app-name"); err != nil {
		return err
	}

	flagSet.StringP("bucket", "", "", "The name of the bucket to mount.")
	if err := bind("backend.bucket", "bucket"); err != nil {
		return err
	}

	flagSet.StringP("project", "", "", "The GCP project owning the bucket, if needed for bucket creation.")
	if err := bind("backend.project", "project"); err != nil {
		return err
	}

	flagSet.StringP("custom-endpoint", "", "", "A custom endpoint for the Backend's storage client, for testing against a fake.")
	if err := bind("backend.custom-endpoint", "custom-endpoint"); err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0644, "Permission bits for files, in octal.")
	if err := bind("file-system.file-mode", "file-mode"); err != nil {
		return err
	}

	flagSet.IntP("dir-mode", "", 0755, "Permission bits for directories, in octal.")
	if err := bind("file-system.dir-mode", "dir-mode"); err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID owner of all inodes; -1 uses the mounting user's UID.")
	if err := bind("file-system.uid", "uid"); err != nil {
		return err
	}

	flagSet.IntP("gid", "", -1, "GID owner of all inodes; -1 uses the mounting user's GID.")
	if err := bind("file-system.gid", "gid"); err != nil {
		return err
	}

	flagSet.BoolP("implicit-dirs", "", false, "Accepted for compatibility; not read by the gateway.")
	if err := bind("file-system.implicit-directories", "implicit-dirs"); err != nil {
		return err
	}

	flagSet.Int("aio-workers", 16, "Maximum concurrent blocking AIO operations (reads/writes/fsyncs).")
	if err := bind("io.aio-workers", "aio-workers"); err != nil {
		return err
	}

	flagSet.Int64("gcs-chunk-size-bytes", 8<<20, "Chunk size used for Backend object writes.")
	if err := bind("io.gcs-chunk-size-bytes", "gcs-chunk-size-bytes"); err != nil {
		return err
	}

	flagSet.Int64("notify-write-throttle-millis", 1000, "Minimum interval between notify_write calls per file handle.")
	if err := bind("io.notify-write-throttle-millis", "notify-write-throttle-millis"); err != nil {
		return err
	}

	flagSet.Int64("shutdown-drain-timeout-millis", 30000, "How long Shutdown waits for in-flight async requests to drain.")
	if err := bind("io.shutdown-drain-timeout-millis", "shutdown-drain-timeout-millis"); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := bind("logging.severity", "log-severity"); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err := bind("logging.format", "log-format"); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file; empty logs to stderr.")
	if err := bind("logging.file-path", "log-file"); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Accepted for compatibility; not read by the gateway.")
	if err := bind("debug.exit-on-invariant-violation", "debug-invariants"); err != nil {
		return err
	}

	flagSet.BoolP("debug-mutex", "", false, "Accepted for compatibility; not read by the gateway.")
	if err := bind("debug.log-mutex", "debug-mutex"); err != nil {
		return err
	}

	flagSet.StringP("crash-log-file", "", "", "If set, panics are appended here (with a stack trace) before the process exits.")
	if err := bind("debug.crash-log-file", "crash-log-file"); err != nil {
		return err
	}

	return nil
}
