package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// TelegramNotifier sends alerts to a Telegram chat via the Bot API.
type TelegramNotifier struct {
	BotToken string
	ChatID   string
	HTTP     *http.Client
}

type telegramSendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (n *TelegramNotifier) Send(ctx context.Context, message string) error {
	if n.BotToken == "" || n.ChatID == "" {
		return fmt.Errorf("notify telegram: missing bot token or chat id")
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", url.PathEscape(n.BotToken))
	body, err := json.Marshal(telegramSendMessage{ChatID: n.ChatID, Text: message})
	if err != nil {
		return err
	}
	client := n.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify telegram: http %d", resp.StatusCode)
	}
	return nil
}
