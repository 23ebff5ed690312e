package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"papertrader/internal/utils"
)

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration

	client *http.Client
}

func NewTelegramNotifier(token, chatID, proxyURL string, retries int, delay time.Duration) *TelegramNotifier {
	client := &http.Client{Timeout: 10 * time.Second}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		} else {
			utils.GetLogger().Printf("Notifier | invalid proxy url %q, ignoring: %v", proxyURL, err)
		}
	}
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{Token: token, ChatID: chatID, Retries: retries, Delay: delay, client: client}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var lastErr error
	for i := 0; i < t.Retries; i++ {
		if lastErr = t.Send(message); lastErr == nil {
			return nil
		}
		time.Sleep(t.Delay)
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.Retries, lastErr)
}

func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var lastErr error
	for i := 0; i < t.Retries; i++ {
		if lastErr = action(); lastErr == nil {
			return nil
		}
		time.Sleep(t.Delay)
	}
	if err := t.SendWithRetry(fmt.Sprintf("%s failed after %d attempts: %v", description, t.Retries, lastErr)); err != nil {
		utils.GetLogger().Printf("Notifier | failed to report %q failure: %v", description, err)
	}
	return lastErr
}

var _ Notifier = (*TelegramNotifier)(nil)
var _ Notifier = Noop{}
