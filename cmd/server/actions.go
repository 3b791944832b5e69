package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stockroomhq/flowrules/flowrules"
)

// Built-in action handlers. These are the seam to the surrounding
// asset-management product: status changes and assignments write to the
// assets table, notifications to the notifications table, webhooks go
// out over HTTP. Hosts with their own integrations register additional
// handlers the same way.
func registerBuiltinHandlers(executor *flowrules.Executor, db *sql.DB) {
	client := &http.Client{Timeout: 30 * time.Second}

	executor.RegisterActionHandler("set_status", setStatusHandler(db))
	executor.RegisterActionHandler("assign_asset", assignAssetHandler(db))
	executor.RegisterActionHandler("notify_user", notifyUserHandler(db))
	executor.RegisterActionHandler("webhook", webhookHandler(client))
}

// setStatusHandler updates an asset's status.
// Parameters: assetId, status.
func setStatusHandler(db *sql.DB) flowrules.ActionHandler {
	return func(ctx context.Context, params map[string]any, snapshot flowrules.FieldSnapshot) error {
		assetID, err := stringParam(params, "assetId")
		if err != nil {
			return err
		}
		status, err := stringParam(params, "status")
		if err != nil {
			return err
		}

		result, err := db.ExecContext(ctx, `
			UPDATE assets SET status = $1, updated_at = NOW() WHERE id = $2
		`, status, assetID)
		if err != nil {
			return fmt.Errorf("failed to update asset status: %w", err)
		}
		return requireRow(result, "asset", assetID)
	}
}

// assignAssetHandler assigns an asset to a user.
// Parameters: assetId, userId.
func assignAssetHandler(db *sql.DB) flowrules.ActionHandler {
	return func(ctx context.Context, params map[string]any, snapshot flowrules.FieldSnapshot) error {
		assetID, err := stringParam(params, "assetId")
		if err != nil {
			return err
		}
		userID, err := stringParam(params, "userId")
		if err != nil {
			return err
		}

		result, err := db.ExecContext(ctx, `
			UPDATE assets SET assigned_to = $1, updated_at = NOW() WHERE id = $2
		`, userID, assetID)
		if err != nil {
			return fmt.Errorf("failed to assign asset: %w", err)
		}
		return requireRow(result, "asset", assetID)
	}
}

// notifyUserHandler queues a notification. Delivery is the notification
// sender's concern; this handler only records the outbound message.
// Parameters: recipient, subject, body.
func notifyUserHandler(db *sql.DB) flowrules.ActionHandler {
	return func(ctx context.Context, params map[string]any, snapshot flowrules.FieldSnapshot) error {
		recipient, err := stringParam(params, "recipient")
		if err != nil {
			return err
		}
		subject, _ := params["subject"].(string)
		body, _ := params["body"].(string)

		_, err = db.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient, subject, body, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, uuid.NewString(), recipient, subject, body)
		if err != nil {
			return fmt.Errorf("failed to queue notification: %w", err)
		}
		return nil
	}
}

// webhookHandler POSTs the resolved parameters as JSON.
// Parameters: url, plus an optional payload object; when payload is
// absent the full parameter map minus url is sent.
func webhookHandler(client *http.Client) flowrules.ActionHandler {
	return func(ctx context.Context, params map[string]any, snapshot flowrules.FieldSnapshot) error {
		url, err := stringParam(params, "url")
		if err != nil {
			return err
		}

		payload, ok := params["payload"]
		if !ok {
			body := make(map[string]any, len(params))
			for k, v := range params {
				if k != "url" {
					body[k] = v
				}
			}
			payload = body
		}

		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
}

// stringParam fetches a required string parameter, validated by the
// handler itself: the engine hands parameters through as an untyped map
// and each handler declares its own shape.
func stringParam(params map[string]any, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("missing or invalid %q parameter", key)
	}
	return value, nil
}

func requireRow(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}
