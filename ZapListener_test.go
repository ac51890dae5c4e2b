/*
Copyright 2026 The Compactus Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
you may obtain a copy of the License at

                http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package compactus

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapListenerLogsStreamEvents(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapListener(zap.New(core), ZapLevelSummary)

	l.ProcessEvent(NewEvent(EVT_COMPRESSION_START, -1, 0, 0, EVT_HASH_NONE, time.Now()))
	l.ProcessEvent(NewEvent(EVT_BEFORE_TRANSFORM, 1, 4096, 0, EVT_HASH_NONE, time.Now()))
	l.ProcessEvent(NewEvent(EVT_COMPRESSION_END, -1, 128, 0, EVT_HASH_NONE, time.Now()))

	entries := logs.All()

	if len(entries) != 2 {
		t.Fatalf("expected 2 logged entries at summary level, got %d", len(entries))
	}

	if entries[0].Message != "compactus stream event" {
		t.Fatalf("unexpected message: %s", entries[0].Message)
	}
}

func TestZapListenerLogsBlockEventsAtBlocksLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapListener(zap.New(core), ZapLevelBlocks)

	l.ProcessEvent(NewEvent(EVT_BEFORE_ENTROPY, 3, 2048, 0xCAFEBABE, EVT_HASH_32BITS, time.Now()))

	entries := logs.All()

	if len(entries) != 1 {
		t.Fatalf("expected 1 logged entry, got %d", len(entries))
	}

	ctx := entries[0].ContextMap()

	if ctx["blockID"] != int64(3) {
		t.Fatalf("expected blockID field 3, got %v", ctx["blockID"])
	}

	if entries[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected Debug level, got %v", entries[0].Level)
	}
}
