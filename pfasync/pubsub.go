package pfasync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
)

func syncTopic() string {
	topic := strings.TrimSpace(os.Getenv("PFA_SYNC_TOPIC"))
	if topic == "" {
		topic = "pfa-sync"
	}
	return topic
}

func PublishSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	_, err := config.PublishJSON(ctx, syncTopic(), payload)
	return err
}

// PubSubPushHandler executes runs delivered by a Pub/Sub push subscription. It always
// acks with 204 so malformed messages are not redelivered forever.
func PubSubPushHandler(pipeline *Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBool("ENABLE_PFA_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.OrganizationId == 0 {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		if envelope.Message.ID != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, envelope.Message.ID)
		}
		if _, err := pipeline.ExecuteRun(ctx, payload.RunId); err != nil {
			pipeline.Logger.WithFields(logrus.Fields{
				"module":          "pfasync.pubsub",
				"run_id":          payload.RunId,
				"organization_id": payload.OrganizationId,
				"message_id":      envelope.Message.ID,
			}).Warn("pushed sync run ended with error: " + err.Error())
		}
		c.Status(204)
	}
}
