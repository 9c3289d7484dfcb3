package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

const runHandlerName = "reconcile.run"

func runTopicName() string {
	topicName := strings.TrimSpace(os.Getenv("RECON_RUN_TOPIC"))
	if topicName == "" {
		topicName = "reconciliation-run"
	}
	return topicName
}

func PublishRun(ctx context.Context, runId uint) error {
	topicName := runTopicName()

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("RECON_RUN_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := RunPubSubPayload{RunId: runId}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler executes runs delivered by Pub/Sub push. Delivery is
// at-least-once, so each message id passes through the durable idempotency
// table before the run executes.
func PubSubPushHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_RECON_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var payload RunPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.RunId == 0 {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		db := orch.db.WithContext(ctx)
		skip, err := BeginIdempotency(db, runHandlerName, envelope.Message.ID)
		if err != nil {
			// In progress or transient; a non-2xx asks Pub/Sub to redeliver.
			c.Status(http.StatusServiceUnavailable)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		if err := orch.Execute(ctx, payload.RunId); err != nil {
			_ = MarkIdempotencyFailed(db, runHandlerName, envelope.Message.ID, err)
			if errors.Is(err, utils.ErrorRunInProgress) {
				c.Status(http.StatusServiceUnavailable)
				return
			}
			// The failure is recorded on the run row; redelivering the same
			// message would re-fail identically.
			c.Status(http.StatusNoContent)
			return
		}

		_ = MarkIdempotencySucceeded(db, runHandlerName, envelope.Message.ID)
		c.Status(http.StatusNoContent)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
