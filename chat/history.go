package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/telemetry"
)

// HistoryClient fetches channel chat history from the external backfill REST
// endpoint. The response body is a JSON array of messages in the same shape
// the live stream produces, so the result feeds straight into the merge.
type HistoryClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (hc *HistoryClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// FetchHistory implements HistoryFetcher. The fetch duration, success or
// failure, lands in the backfill histogram.
func (hc *HistoryClient) FetchHistory(ctx context.Context, channel string, limit int) ([]irc.ChatMessage, error) {
	channel = irc.NormalizeChannel(channel)
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}
	if limit <= 0 {
		limit = 200
	}

	var msgs []irc.ChatMessage
	var err error
	telemetry.TimeFunc(telemetry.HistoryFetchDuration, func() {
		msgs, err = hc.fetch(ctx, channel, limit)
	})
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].Channel == "" {
			msgs[i].Channel = channel
		}
		if msgs[i].ID == "" {
			msgs[i].ID = msgs[i].MessageID
		}
	}
	return msgs, nil
}

func (hc *HistoryClient) fetch(ctx context.Context, channel string, limit int) ([]irc.ChatMessage, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/history", hc.BaseURL, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(limit))
	req.URL.RawQuery = q.Encode()

	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("history status %d: %s", resp.StatusCode, string(b))
	}

	var msgs []irc.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
