// Package stream declares the JetStream streams and subjects shared by the
// orchestrator, the node workers and the scheduler.
package stream

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	GraphStreamName = "GRAPHS"

	NodeSubmitSubject = "graph.node.submit"
	NodeResultPrefix  = "graph.node.result"
	RunSubmitSubject  = "graph.run.submit"
	RunEventSubject   = "graph.run.event"

	WorkerStreamName   = "WORKERS"
	WorkerStatsPrefix  = "worker.stats"
	SystemMetricsTopic = "metrics.system"

	ScheduleStreamName    = "SCHEDULES"
	ScheduleAddSubject    = "schedule.add"
	ScheduleRemoveSubject = "schedule.remove"

	WorkerQueue = "graph_workers"

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgSize = 1 * 1024 * 1024
)

type definition struct {
	name     string
	subjects []string
}

var definitions = []definition{
	{
		name: GraphStreamName,
		subjects: []string{
			NodeSubmitSubject,
			NodeResultPrefix + ".*.*",
			RunSubmitSubject,
			RunEventSubject,
		},
	},
	{
		name:     WorkerStreamName,
		subjects: []string{WorkerStatsPrefix + ".*", SystemMetricsTopic},
	},
	{
		name:     ScheduleStreamName,
		subjects: []string{ScheduleAddSubject, ScheduleRemoveSubject},
	},
}

// NodeResultSubject returns the subject a worker publishes a node result on
func NodeResultSubject(runID, nodeID string) string {
	return fmt.Sprintf("%s.%s.%s", NodeResultPrefix, token(runID), token(nodeID))
}

// WorkerStatsSubject returns the heartbeat subject of a worker
func WorkerStatsSubject(workerID string) string {
	return fmt.Sprintf("%s.%s", WorkerStatsPrefix, token(workerID))
}

// WorkerIDFromSubject extracts the worker id from a stats subject
func WorkerIDFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0]+"."+parts[1] != WorkerStatsPrefix {
		return "", false
	}
	return untoken(parts[2])
}

// token makes s usable as a single subject token. Bytes outside
// [A-Za-z0-9-] are written as '_' followed by two hex digits, so distinct
// ids always map to distinct tokens.
func token(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isTokenByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteString(hex.EncodeToString([]byte{c}))
	}
	return b.String()
}

// untoken reverses token
func untoken(t string) (string, bool) {
	var b strings.Builder
	b.Grow(len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		if c != '_' {
			if !isTokenByte(c) {
				return "", false
			}
			b.WriteByte(c)
			continue
		}
		if i+3 > len(t) {
			return "", false
		}
		v, err := hex.DecodeString(t[i+1 : i+3])
		if err != nil {
			return "", false
		}
		b.Write(v)
		i += 2
	}
	return b.String(), true
}

func isTokenByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-'
}

// Setup creates the streams, or updates their subjects when they already exist
func Setup(js nats.JetStreamContext, logger *zap.Logger) error {
	for _, def := range definitions {
		info, err := js.StreamInfo(def.name)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if info == nil {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:       def.name,
				Subjects:   def.subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     streamMaxAge,
				MaxMsgs:    -1,
				MaxBytes:   -1,
				Discard:    nats.DiscardOld,
				MaxMsgSize: streamMaxMsgSize,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %s: %w", def.name, err)
			}
			logger.Info("Created stream", zap.String("name", def.name))
			continue
		}

		config := info.Config
		config.Subjects = def.subjects
		config.MaxAge = streamMaxAge
		config.MaxMsgSize = streamMaxMsgSize
		if _, err := js.UpdateStream(&config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", def.name, err)
		}
		logger.Debug("Updated stream", zap.String("name", def.name))
	}
	return nil
}
