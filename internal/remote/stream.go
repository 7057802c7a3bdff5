package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"go.uber.org/zap"
)

const (
	streamMinBackoff = time.Second
	streamMaxBackoff = time.Minute
)

// Notifications listens on the server's notification stream until ctx ends and
// reconnects with backoff. Every reconnect after the first emits an empty
// notification so the consumer catches up on whatever was missed.
func (c *Client) Notifications(ctx context.Context) <-chan records.Notification {
	out := make(chan records.Notification, 16)
	go func() {
		defer close(out)
		backoff := streamMinBackoff
		connected := false
		for ctx.Err() == nil {
			opened := func() {
				if connected {
					select {
					case out <- records.Notification{}:
					case <-ctx.Done():
					}
				}
				connected = true
				backoff = streamMinBackoff
			}
			err := c.listen(ctx, opened, out)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("notification stream interrupted", zap.Duration("retry_in", backoff), zap.Error(err))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > streamMaxBackoff {
				backoff = streamMaxBackoff
			}
		}
	}()
	return out
}

func (c *Client) listen(ctx context.Context, opened func(), out chan<- records.Notification) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+wire.PathNotificationsStream, http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Authorization", "Bearer "+c.accessToken())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return wire.ErrorFromBody(response.StatusCode, wire.ErrorBody{Error: response.Status, Op: "remote.notifications"})
	}
	opened()

	scanner := bufio.NewScanner(response.Body)
	eventName := ""
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == wire.EventNotification && data.Len() > 0 {
				var notification records.Notification
				if err := json.Unmarshal([]byte(data.String()), &notification); err != nil {
					c.logger.Warn("dropping malformed notification", zap.Error(err))
				} else {
					select {
					case out <- notification:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("remote: notification stream ended")
}
