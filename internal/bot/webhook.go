package bot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"voice-intake-go/internal/logger"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Webhook serves Bot API webhook deliveries. Updates are handled with ctx,
// the server's lifetime context, because jobs outlive the request.
func (h *Handler) Webhook(ctx context.Context, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.New().WithRequest(r).WithField("handler", "webhook")
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(secret)) != 1 {
			reqLog.Warn("webhook secret mismatch")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var u tgbotapi.Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
			reqLog.WithError(err).Warn("bad update payload")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reqLog.WithField("update_id", u.UpdateID).Debug("update received")
		h.HandleUpdate(ctx, u)
		w.WriteHeader(http.StatusOK)
	}
}
