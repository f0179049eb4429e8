package server

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/provider"
)

// methodOAuthCompleted is the server's signal that a provider OAuth flow
// finished.
const methodOAuthCompleted = "notifications/oauth_completed"

// handleUpstreamNotification relays server-initiated notifications: provider
// OAuth completions wake the waiting connect flow and are surfaced to the
// host as log messages; catalog changes propagate as list_changed.
func (b *Bridge) handleUpstreamNotification(notification mcp.JSONRPCNotification) {
	switch notification.Method {
	case methodOAuthCompleted:
		event := completionEvent(notification.Params.AdditionalFields)
		b.logger.Info("Provider OAuth completion received",
			zap.String("provider", event.Provider),
			zap.Bool("success", event.Success),
			zap.String("user_id", event.UserID))

		b.connector.HandleCompletion(event)

		level := "info"
		outcome := "succeeded"
		if !event.Success {
			level = "error"
			outcome = "failed"
		}
		message := event.Message
		if message == "" {
			message = fmt.Sprintf("%s authorization %s", event.Provider, outcome)
		}
		b.mcp.SendNotificationToAllClients("notifications/message", map[string]any{
			"level":  level,
			"logger": serverName,
			"data":   message,
		})

	case string(mcp.MethodNotificationToolsListChanged):
		b.logger.Debug("Upstream tool catalog changed")
		b.mcp.SendNotificationToAllClients(string(mcp.MethodNotificationToolsListChanged), nil)

	default:
		b.logger.Debug("Ignoring upstream notification",
			zap.String("method", notification.Method))
	}
}

// completionEvent decodes the oauth_completed payload. Missing fields
// default to the zero value; the provider name is the only routing key.
func completionEvent(fields map[string]any) provider.CompletionEvent {
	event := provider.CompletionEvent{}
	if v, ok := fields["provider"].(string); ok {
		event.Provider = v
	}
	if v, ok := fields["success"].(bool); ok {
		event.Success = v
	}
	if v, ok := fields["message"].(string); ok {
		event.Message = v
	}
	if v, ok := fields["user_id"].(string); ok {
		event.UserID = v
	}
	return event
}
