// Copyright 2026 fanjia1024
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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
runtime:
  max_pool_size: 50
  lease_ttl: "15s"
  compaction:
    threshold: 200
journal:
  type: "postgres"
  dsn: "postgres://localhost/actors"
queue:
  type: "redis"
  addr: "127.0.0.1:6379"
  retry:
    max_attempts: 3
log:
  level: "debug"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Runtime.MaxPoolSize != 50 {
		t.Errorf("Runtime.MaxPoolSize: got %d", cfg.Runtime.MaxPoolSize)
	}
	if cfg.Runtime.Compaction.Threshold != 200 {
		t.Errorf("Compaction.Threshold: got %d", cfg.Runtime.Compaction.Threshold)
	}
	if cfg.Journal.Type != "postgres" {
		t.Errorf("Journal.Type: got %q", cfg.Journal.Type)
	}
	if cfg.Queue.Retry.MaxAttempts != 3 {
		t.Errorf("Queue.Retry.MaxAttempts: got %d", cfg.Queue.Retry.MaxAttempts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_ExpandEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
journal:
  type: "postgres"
  dsn: "${TEST_ACTOR_JOURNAL_DSN}"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Setenv("TEST_ACTOR_JOURNAL_DSN", "postgres://env-host/actors")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Journal.DSN != "postgres://env-host/actors" {
		t.Errorf("DSN env expansion failed: got %q", cfg.Journal.DSN)
	}
}
