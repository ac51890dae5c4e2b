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

import "go.uber.org/zap"

// ZapListener is a Listener that forwards pipeline events to a structured
// zap.Logger instead of printing them. It is an external collaborator: the
// pipeline itself never imports zap, it only calls ProcessEvent on whatever
// Listener the caller registered.
type ZapListener struct {
	log   *zap.Logger
	level zapcore_Level
}

// zapcore_Level mirrors the verbosity knob of the original block printer
// (InfoPrinter's infoLevel) without pulling in zapcore just for this.
type zapcore_Level int

const (
	// ZapLevelSummary logs only stream-level start/end events.
	ZapLevelSummary zapcore_Level = iota
	// ZapLevelBlocks additionally logs per-block before/after pairs.
	ZapLevelBlocks
)

// NewZapListener creates a Listener that logs stream start/end events at Info
// level. Per-block events are logged at Debug level when level is
// ZapLevelBlocks and are dropped when level is ZapLevelSummary.
func NewZapListener(log *zap.Logger, level zapcore_Level) *ZapListener {
	return &ZapListener{log: log, level: level}
}

// ProcessEvent implements Listener.
func (this *ZapListener) ProcessEvent(evt *Event) {
	fields := []zap.Field{
		zap.String("event", eventTypeName(evt.Type())),
		zap.Int("blockID", evt.ID()),
		zap.Int64("size", evt.Size()),
		zap.Time("time", evt.Time()),
	}

	if evt.HashType() != EVT_HASH_NONE {
		fields = append(fields, zap.Uint64("hash", evt.Hash()))
	}

	switch evt.Type() {
	case EVT_COMPRESSION_START, EVT_DECOMPRESSION_START, EVT_COMPRESSION_END, EVT_DECOMPRESSION_END:
		this.log.Info("compactus stream event", fields...)
	default:
		if this.level >= ZapLevelBlocks {
			this.log.Debug("compactus block event", fields...)
		}
	}
}

func eventTypeName(evtType int) string {
	switch evtType {
	case EVT_COMPRESSION_START:
		return "COMPRESSION_START"
	case EVT_DECOMPRESSION_START:
		return "DECOMPRESSION_START"
	case EVT_BEFORE_TRANSFORM:
		return "BEFORE_TRANSFORM"
	case EVT_AFTER_TRANSFORM:
		return "AFTER_TRANSFORM"
	case EVT_BEFORE_ENTROPY:
		return "BEFORE_ENTROPY"
	case EVT_AFTER_ENTROPY:
		return "AFTER_ENTROPY"
	case EVT_COMPRESSION_END:
		return "COMPRESSION_END"
	case EVT_DECOMPRESSION_END:
		return "DECOMPRESSION_END"
	case EVT_AFTER_HEADER_DECODING:
		return "AFTER_HEADER_DECODING"
	case EVT_BLOCK_INFO:
		return "BLOCK_INFO"
	default:
		return "UNKNOWN"
	}
}
