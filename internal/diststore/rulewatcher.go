package diststore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/rules"
)

// RuleChangeChannel is the Redis pub/sub channel every replica
// subscribes to, so a rule pushed through one instance's API takes
// effect on all the others without a restart. Adapted from the
// teacher's config.Watcher, which does the same for route/plugin
// changes on "gateway:config:changes".
const RuleChangeChannel = "ratelimitd:rules:changes"

// RuleChangeEvent is published whenever a rule is set, deleted, or the
// default rule changes.
type RuleChangeEvent struct {
	Action string      `json:"action"` // "set", "delete", "set_default"
	Key    string      `json:"key,omitempty"`
	Rule   *rules.Rule `json:"rule,omitempty"`
}

// PublishRuleChange broadcasts a rule change to every replica watching
// RuleChangeChannel. Failing to publish is logged, not fatal — the
// local write already succeeded, and hot reload is a convenience, not
// a correctness requirement (a restarted replica reloads from
// Postgres).
func (s *Store) PublishRuleChange(ctx context.Context, event RuleChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("component", "rule_watcher").Msg("failed to marshal rule change event")
		return
	}
	if err := s.client.Publish(ctx, RuleChangeChannel, payload).Err(); err != nil {
		log.Error().Err(err).Str("component", "rule_watcher").Msg("failed to publish rule change event")
	}
}

// RuleWatcher listens for rule changes broadcast by other replicas and
// applies them to a local Table.
type RuleWatcher struct {
	client *redis.Client
	table  *rules.Table
}

// NewRuleWatcher returns a watcher that applies incoming events to
// table via its *Local methods, which bypass table's OnWrite hook. That
// is what actually keeps replicas from echoing each other's events back
// and forth forever: without it, applying a remote change through
// Set/Delete/SetDefault would re-fire OnWrite, re-publish the same
// event, and every subscriber (including this one) would receive and
// re-apply it again.
func NewRuleWatcher(client *redis.Client, table *rules.Table) *RuleWatcher {
	return &RuleWatcher{client: client, table: table}
}

// Start subscribes to RuleChangeChannel and applies events until ctx
// is canceled, mirroring the teacher's Watcher.Start loop shape.
func (w *RuleWatcher) Start(ctx context.Context) error {
	log.Info().Str("component", "rule_watcher").Msg("starting rule change watcher")

	pubsub := w.client.Subscribe(ctx, RuleChangeChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to rule changes: %w", err)
	}
	log.Info().Str("component", "rule_watcher").Str("channel", RuleChangeChannel).Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "rule_watcher").Msg("rule change watcher shutting down")
			return ctx.Err()
		case msg := <-ch:
			if msg == nil {
				continue
			}
			w.apply(msg.Payload)
		}
	}
}

func (w *RuleWatcher) apply(payload string) {
	var event RuleChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Error().Err(err).Str("component", "rule_watcher").Msg("failed to parse rule change event")
		return
	}

	switch event.Action {
	case "set":
		if event.Rule == nil {
			return
		}
		if err := w.table.SetLocal(event.Key, *event.Rule); err != nil {
			log.Error().Err(err).Str("component", "rule_watcher").Str("key", event.Key).Msg("failed to apply remote rule change")
		}
	case "delete":
		w.table.DeleteLocal(event.Key)
	case "set_default":
		if event.Rule == nil {
			return
		}
		if err := w.table.SetDefaultLocal(*event.Rule); err != nil {
			log.Error().Err(err).Str("component", "rule_watcher").Msg("failed to apply remote default rule change")
		}
	default:
		log.Warn().Str("component", "rule_watcher").Str("action", event.Action).Msg("unknown rule change action")
	}
}
