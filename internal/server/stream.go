package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driveline/forum/backend/internal/realtime"
)

const (
	streamHeartbeatInterval = 25 * time.Second
	streamResyncEvent       = "resync_required"
	maxStreamChannels       = 16
)

// handleStream serves the real-time event stream over SSE. Channels are
// selected at stream open via the channels query parameter; a reconnecting
// client passes its last seen sequence number (last_seq or Last-Event-ID) to
// replay missed events, or receives resync_required when the gap exceeds the
// replay window.
func (h *httpHandler) handleStream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	channels, err := parseStreamChannels(c.Query("channels"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lastSeq := uint64(0)
	rawSeq := c.Query("last_seq")
	if rawSeq == "" {
		rawSeq = c.GetHeader("Last-Event-ID")
	}
	if rawSeq != "" {
		parsed, err := strconv.ParseUint(rawSeq, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_last_seq"})
			return
		}
		lastSeq = parsed
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	stream, cleanup := h.hub.Subscribe(ctx, channels)
	defer cleanup()

	// Fill gaps before live delivery. Replay positions are per channel; a
	// reconnect with multiple channels replays each independently.
	for _, channel := range channels {
		events, covered := h.hub.Replay(channel, lastSeq)
		if !covered {
			writeStreamEvent(c, flusher, realtime.Event{
				Channel: channel,
				Type:    streamResyncEvent,
			})
			continue
		}
		for _, event := range events {
			writeStreamEvent(c, flusher, event)
		}
	}

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			writeStreamEvent(c, flusher, event)
		case <-heartbeat.C:
			writeStreamComment(c, flusher, "heartbeat")
		}
	}
}

func parseStreamChannels(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("channels parameter required")
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxStreamChannels {
		return nil, fmt.Errorf("too many channels")
	}
	channels := make([]string, 0, len(parts))
	for _, part := range parts {
		channel := strings.TrimSpace(part)
		if channel == "" {
			continue
		}
		if !isKnownChannel(channel) {
			return nil, fmt.Errorf("unknown channel %q", channel)
		}
		channels = append(channels, channel)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("channels parameter required")
	}
	return channels, nil
}

func isKnownChannel(channel string) bool {
	for _, prefix := range []string{"thread:", "category:"} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

func writeStreamEvent(c *gin.Context, flusher http.Flusher, event realtime.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\nid: %d\ndata: %s\n\n", event.Type, event.SequenceNumber, data)
	flusher.Flush()
}

func writeStreamComment(c *gin.Context, flusher http.Flusher, comment string) {
	if comment == "" {
		return
	}
	fmt.Fprintf(c.Writer, ": %s\n\n", comment)
	flusher.Flush()
}
