package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topics consumed and produced by the ingestion core.
const (
	// TopicIngestion carries raw events from client SDK intake.
	TopicIngestion = "events_plugin_ingestion"
	// TopicEvents carries canonical events to the columnar store.
	TopicEvents = "events"
	// TopicSessionRecordings carries session snapshot payloads.
	TopicSessionRecordings = "session_recording_events"
	// TopicPerson mirrors person rows after relational commits.
	TopicPerson = "person"
	// TopicPersonDistinctID mirrors distinct-id rows after relational commits.
	TopicPersonDistinctID = "person_distinct_id"
	// TopicPluginLogEntries carries plugin log lines.
	TopicPluginLogEntries = "plugin_log_entries"
)

// TopicConfig defines the configuration for a topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

// DefaultTopicConfigs returns the topic set the ingestion core requires.
func DefaultTopicConfigs() []TopicConfig {
	week := int64(7 * 24 * 60 * 60 * 1000)
	return []TopicConfig{
		{Name: TopicIngestion, Partitions: 24, ReplicationFactor: 1, RetentionMs: week, CleanupPolicy: "delete"},
		{Name: TopicEvents, Partitions: 24, ReplicationFactor: 1, RetentionMs: week, CleanupPolicy: "delete"},
		{Name: TopicSessionRecordings, Partitions: 12, ReplicationFactor: 1, RetentionMs: week, CleanupPolicy: "delete"},
		{Name: TopicPerson, Partitions: 12, ReplicationFactor: 1, RetentionMs: week, CleanupPolicy: "delete"},
		{Name: TopicPersonDistinctID, Partitions: 12, ReplicationFactor: 1, RetentionMs: week, CleanupPolicy: "delete"},
		{Name: TopicPluginLogEntries, Partitions: 4, ReplicationFactor: 1, RetentionMs: week, CleanupPolicy: "delete"},
	}
}

// TopicManager manages topics.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager creates a new TopicManager.
func NewTopicManager(brokers string) (*TopicManager, error) {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokerList...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &TopicManager{admin: kadm.NewClient(client)}, nil
}

// EnsureTopics creates topics if they don't exist.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	existingSet := make(map[string]bool)
	for _, t := range existing {
		existingSet[t.Topic] = true
	}

	for _, cfg := range configs {
		if existingSet[cfg.Name] {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// CreateTopic creates a single topic with the given configuration.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   stringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": stringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	return nil
}

// WaitForTopic waits for a topic to be available.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil && len(topics) > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for topic %s", topic)
}

// Close releases resources.
func (m *TopicManager) Close() {
	m.admin.Close()
}

func stringPtr(s string) *string {
	return &s
}
