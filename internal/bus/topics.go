// Package bus is the event transport for the pipeline: Redis Streams with
// consumer groups, at-least-once delivery, and hash-partitioned topics so a
// routing key always lands on the same stream.
package bus

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Topic names. Versioned; the <venue> and <interval> segments are filled by
// the builder functions.
const (
	TopicNormalizedTicks = "normalized.market.ticks.v1"
	TopicEnrichedTicks   = "enriched.market.ticks.v1"
	TopicCurveUpdates    = "pricing.curve.updates.v1"
	TopicLatestPrices    = "served.market.latest_prices.v1"
	TopicInvalidate      = "projection.invalidate.instrument.v1"
	TopicBackfill        = "processing.backfill.request.v1"
	TopicJobStatus       = "processing.job.status.v1"
	TopicReconcileDrift  = "reconciliation.drift.v1"
)

// TopicRaw returns the ingestion topic for a venue.
func TopicRaw(venue string) string {
	return "ingestion." + venue + ".raw.v1"
}

// TopicBars returns the bar topic for an interval label ("1m", "1h", ...).
func TopicBars(interval string) string {
	return "aggregated.bars." + interval + ".v1"
}

// TopicDeadLetter returns the DLQ topic for a stage.
func TopicDeadLetter(stage string) string {
	return "processing.deadletter." + stage + ".v1"
}

// TopicOf strips the partition suffix from a stream name, recovering the
// topic a delivery arrived on.
func TopicOf(stream string) string {
	if i := strings.LastIndex(stream, ".p"); i > 0 {
		if _, err := strconv.Atoi(stream[i+2:]); err == nil {
			return stream[:i]
		}
	}
	return stream
}

// Partition maps a routing key onto [0, n). Stable across processes so a key
// is always owned by one partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// StreamName returns the Redis stream backing one partition of a topic.
// Partition count 1 collapses to the bare topic name.
func StreamName(topic string, partition, total int) string {
	if total <= 1 {
		return topic
	}
	return topic + ".p" + strconv.Itoa(partition)
}

// StreamsFor returns every stream backing a topic.
func StreamsFor(topic string, partitions int) []string {
	if partitions <= 1 {
		return []string{topic}
	}
	out := make([]string, partitions)
	for p := 0; p < partitions; p++ {
		out[p] = StreamName(topic, p, partitions)
	}
	return out
}
