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

package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actor-platform/internal/actor"
	"actor-platform/internal/journal"
	"actor-platform/internal/lock"
	"actor-platform/internal/queue"
	"actor-platform/internal/runtime"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/blob"
	"actor-platform/internal/storage/kvstate"
	"actor-platform/pkg/log"
	"actor-platform/pkg/secrets"
)

// extractActor 按文件名给出文档类型
type extractActor struct{}

func (a *extractActor) Execute(c *actor.Context, input json.RawMessage) error {
	var file string
	if err := json.Unmarshal(input, &file); err != nil {
		return err
	}
	types := map[string]string{
		"f0": "invoice",
		"f1": "receipt",
		"f2": "invoice",
		"f3": "memo",
	}
	return c.Respond(map[string]any{"documentType": types[file], "file": file})
}

// consolidateActor 汇总一个分组
type consolidateActor struct{}

func (a *consolidateActor) Execute(c *actor.Context, input json.RawMessage) error {
	var in struct {
		Group struct {
			Key   string           `json:"key"`
			Items []map[string]any `json:"items"`
		} `json:"group"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return err
	}
	return c.Respond(map[string]any{"type": in.Group.Key, "n": len(in.Group.Items)})
}

// TestDocumentPipelineEndToEnd 全链路：scatter 提取 → groupBy 分组
// 汇总，任务经真实 actor 运行时执行，完成经 outbox relay 汇回编排器
func TestDocumentPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := actor.NewRegistry()
	registry.Register("extract", func() actor.Actor { return &extractActor{} })
	registry.Register("consolidate", func() actor.Actor { return &consolidateActor{} })

	q := queue.NewMemoryQueue(30 * time.Second)
	shared := sharedmem.NewMemoryStore()
	logger := log.Nop()

	rt, err := runtime.New(runtime.Config{
		Worker: queue.WorkerConfig{PollInterval: 20 * time.Millisecond},
	}, runtime.Deps{
		Registry: registry,
		Journal:  journal.NewMemoryStore(),
		Queue:    q,
		Locks:    lock.NewMemoryService(),
		Shared:   shared,
		Blobs:    blob.NewMemoryStore(),
		Logger:   logger,
	})
	require.NoError(t, err)

	o := New(Config{
		Worker:        queue.WorkerConfig{PollInterval: 20 * time.Millisecond},
		RelayInterval: 50 * time.Millisecond,
		ScanInterval:  100 * time.Millisecond,
	}, Deps{
		KV:      kvstate.NewMemoryStore(),
		Queue:   q,
		Router:  rt.Router(),
		Shared:  shared,
		Secrets: secrets.NewMemoryStore(),
		Logger:  logger,
	})
	rt.SetTaskReporter(o.ReportTaskResult)

	rt.Start(ctx)
	defer rt.Stop()
	o.Start(ctx)
	defer o.Stop()

	def := Definition{Name: "doc-pipeline", Stages: []Stage{
		{Name: "extract-data", Mode: ModeScatter, ActorType: "extract",
			Scatter: &ScatterSpec{InputPath: "$.trigger.files", As: "file"},
			Input:   "@variables('file')"},
		{Name: "consolidate-by-type", Mode: ModeGather, ActorType: "consolidate",
			Gather: &GatherSpec{Stage: "extract-data", GroupBy: "$.documentType"}},
	}}
	id, err := o.StartPipeline(ctx, def, map[string]any{"files": []any{"f0", "f1", "f2", "f3"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		in, err := o.Instance(ctx, id)
		return err == nil && in.State == StateCompleted
	}, 20*time.Second, 50*time.Millisecond, "pipeline did not complete")

	in, err := o.Instance(ctx, id)
	require.NoError(t, err)

	// scatter 结果按源序
	var extracted []map[string]any
	require.NoError(t, json.Unmarshal(in.Stages["extract-data"].Result, &extracted))
	require.Len(t, extracted, 4)
	assert.Equal(t, "f0", extracted[0]["file"])
	assert.Equal(t, "f3", extracted[3]["file"])

	// gather 键恰好覆盖观察到的 documentType，组大小与提取计数一致
	var groups []map[string]any
	require.NoError(t, json.Unmarshal(in.Stages["consolidate-by-type"].Result, &groups))
	counts := make(map[string]float64)
	for _, g := range groups {
		counts[g["type"].(string)] = g["n"].(float64)
	}
	assert.Equal(t, map[string]float64{"invoice": 2, "receipt": 1, "memo": 1}, counts)
	assert.Empty(t, in.Outbox)
}
