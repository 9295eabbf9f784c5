package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/platform/events"
)

// EmoteTopic carries lobby gesture broadcasts. Emotes skip the outbox: they
// are ephemeral, lossy by contract, and never worth a database round-trip.
const EmoteTopic = "lobby_emotes"

// EmoteWriter publishes lobby emotes straight to Kafka as plain JSON.
type EmoteWriter struct {
	producer messageWriter
	now      func() time.Time
}

// NewEmoteWriter constructs an EmoteWriter on top of a shared producer.
func NewEmoteWriter(producer *KafkaProducer) *EmoteWriter {
	return &EmoteWriter{
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PublishEmote sends one fire-and-forget gesture keyed by lobby so viewers
// of the same lobby observe a consistent order per partition.
func (w *EmoteWriter) PublishEmote(ctx context.Context, lobbyID, hubID, userID, displayName, emote string) error {
	payload := events.LobbyEmote{
		LobbyID:     lobbyID,
		HubID:       hubID,
		UserID:      userID,
		DisplayName: displayName,
		Emote:       emote,
		SentAt:      w.now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return w.producer.WriteMessages(ctx, EmoteTopic, kafka.Message{
		Key:   []byte(lobbyID),
		Value: body,
		Time:  payload.SentAt,
	})
}
