package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"pinner/pkg/pin"
)

// Boards lists the boards the account can pin to, in the order the picker
// shows them.
func (c *Client) Boards(ctx context.Context) ([]pin.Board, error) {
	options := map[string]any{
		"privacy_filter": "all",
		"sort":           "custom",
		"field_set_key":  "board_picker",
		"filter_stories": false,
	}
	data, err := c.getResource(ctx, "/resource/BoardPickerBoardsResource/get/", creationToolPath, options)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}

	// The picker groups boards into sections; a flat list also appears in
	// older responses. Accept either shape.
	var grouped struct {
		AllBoards []pin.Board `json:"all_boards"`
	}
	if err := json.Unmarshal(data, &grouped); err == nil && len(grouped.AllBoards) > 0 {
		return grouped.AllBoards, nil
	}
	var flat []pin.Board
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("decode board list: %w", err)
	}
	return flat, nil
}

// CreateBoard creates one board and returns it with the platform-assigned
// id.
func (c *Client) CreateBoard(ctx context.Context, spec pin.BoardSpec) (pin.Board, error) {
	options := map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"privacy":     "public",
	}
	data, err := c.postResource(ctx, "/resource/BoardResource/create/", "/", options)
	if err != nil {
		return pin.Board{}, fmt.Errorf("create board %q: %w", spec.Name, err)
	}

	var board pin.Board
	if err := json.Unmarshal(data, &board); err != nil {
		return pin.Board{}, fmt.Errorf("decode created board: %w", err)
	}
	if board.ID == "" {
		return pin.Board{}, fmt.Errorf("create board %q: response carried no id", spec.Name)
	}
	c.logger.Info("Board created", "name", board.Name, "id", board.ID)
	return board, nil
}

// getResource performs one GET against a resource endpoint, with the
// options JSON carried in the data query parameter.
func (c *Client) getResource(ctx context.Context, endpoint, sourceURL string, options any) (json.RawMessage, error) {
	payload, err := json.Marshal(resourceOptions{Options: options, Context: map[string]any{}})
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	query := url.Values{}
	query.Set("source_url", sourceURL)
	query.Set("data", string(payload))

	var data json.RawMessage
	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query.Encode(), nil)
			if reqErr != nil {
				return retry.Unrecoverable(reqErr)
			}
			req.Header.Set("User-Agent", c.userAgent)
			req.Header.Set("X-Requested-With", "XMLHttpRequest")
			if c.csrfToken != "" {
				req.Header.Set("X-CSRFToken", c.csrfToken)
			}
			if c.appVersion != "" {
				req.Header.Set("X-APP-VERSION", c.appVersion)
			}

			resp, doErr := c.httpClient.Do(req)
			if doErr != nil {
				return fmt.Errorf("get %s: %w", endpoint, doErr)
			}
			defer resp.Body.Close()

			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if readErr != nil {
				return fmt.Errorf("read %s response: %w", endpoint, readErr)
			}
			if resp.StatusCode != http.StatusOK {
				apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncateBody(raw)}
				if IsAuthError(apiErr) {
					return retry.Unrecoverable(apiErr)
				}
				return apiErr
			}

			var envelope struct {
				ResourceResponse struct {
					Data json.RawMessage `json:"data"`
				} `json:"resource_response"`
			}
			if jsonErr := json.Unmarshal(raw, &envelope); jsonErr != nil {
				return fmt.Errorf("decode %s response: %w", endpoint, jsonErr)
			}
			data = envelope.ResourceResponse.Data
			return nil
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying resource call", "endpoint", endpoint, "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}
