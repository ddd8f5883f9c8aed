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

// DefaultLoggingConfig returns the configuration used before any flags or
// config file have been parsed.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity: string(SeverityInfo),
		Format:   "text",
		LogRotate: LogRotateConfig{
			BackupFileCount: 10,
			Compress:        true,
			MaxFileSizeMB:   512,
		},
	}
}

// DefaultConfig returns the configuration used when neither flags nor a
// config file name a value: the IO and FileSystem defaults this core ships
// with.
func DefaultConfig() Config {
	return Config{
		AppName: "gcsfuse-gateway",
		FileSystem: FileSystemConfig{
			FileMode:            0644,
			DirMode:             0755,
			Uid:                 -1,
			Gid:                 -1,
			DirTypeCacheTTLSecs: 60,
		},
		IO: IOConfig{
			AIOWorkers:                 16,
			GCSChunkSizeBytes:          8 << 20,
			NotifyWriteThrottleMillis:  1000,
			ShutdownDrainTimeoutMillis: 30000,
		},
		Logging: DefaultLoggingConfig(),
	}
}
