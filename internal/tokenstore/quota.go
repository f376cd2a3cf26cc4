package tokenstore

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// recoverQuota runs after the persistent backend rejected key for capacity.
//
// Every persistent key outside the preserved set is evicted, then the write is
// retried once. If the retry fails too, the value is written to volatile storage
// instead and the persistent write is abandoned for this call. The cost is bounded
// by the number of stored keys.
//
// keep names keys written earlier in the same operation; they survive eviction.
func (s *Store) recoverQuota(ctx context.Context, key, value string, cause error, keep ...string) writeOutcome {
	slog.WarnContext(ctx, "persistent storage full, evicting non-essential keys", "key", key, "error", cause)

	keys, err := s.persistent.Keys(ctx)
	if err != nil {
		slog.WarnContext(ctx, "listing persistent keys failed", "error", err)
	}

	evicted := 0
	for _, k := range keys {
		if s.keys.preserved(k) || slices.Contains(keep, k) {
			continue
		}
		if err := s.persistent.Remove(ctx, k); err != nil {
			slog.WarnContext(ctx, "evicting key failed", "key", k, "error", err)
			continue
		}
		evicted++
	}

	err = s.persistent.Set(ctx, key, value)
	if err == nil {
		slog.InfoContext(ctx, "persistent write succeeded after eviction", "key", key, "evicted", evicted)
		s.countRecovery(ctx, "retried")
		return writeStored
	}
	slog.WarnContext(ctx, "persistent write failed after eviction, falling back to volatile storage", "key", key, "error", err)

	if err := s.volatile.Set(ctx, key, value); err != nil {
		slog.ErrorContext(ctx, "volatile fallback write failed", "key", key, "error", err)
		s.countRecovery(ctx, "failed")
		return writeFailed
	}

	s.countRecovery(ctx, "fallback")
	return writeRedirected
}

func (s *Store) countRecovery(ctx context.Context, outcome string) {
	s.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
