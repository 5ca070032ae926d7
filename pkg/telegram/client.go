// Copyright 2024-2026 Aiku AI

// Package telegram is a small multi-bot client for the Telegram Bot API.
// Every call takes the bot token, so one Client serves all credentials.
// Calls are single-shot; retrying is up to the caller.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// APIError is a non-success answer from the Bot API.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	RetryAfterS int
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram %s: HTTP %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.StatusCode, e.Description)
}

// HTTPStatus implements retry.StatusError.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// RetryAfter implements retry.RetryAfterError.
func (e *APIError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterS) * time.Second
}

// ErrFileTooLarge is returned when a download exceeds MaxFileSize.
var ErrFileTooLarge = errors.New("file exceeds size limit")

type Client struct {
	baseURL string
	http    *http.Client
	// MaxFileSize bounds DownloadFile. Zero means no limit.
	MaxFileSize int64
}

// NewClient creates a client for the API rooted at baseURL (DefaultAPIURL
// when empty).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, token string, offset int64, timeout int) ([]Update, error) {
	q := url.Values{
		"offset":  {strconv.FormatInt(offset, 10)},
		"timeout": {strconv.Itoa(timeout)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL(token, "getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, requestError("getUpdates")
	}
	return call[[]Update](c, req, "getUpdates")
}

// SendMessage sends text to chatID.
func (c *Client) SendMessage(ctx context.Context, token string, chatID int64, text string) error {
	form := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}
	_, err := c.postForm(ctx, token, "sendMessage", form)
	return err
}

// SendDocument uploads data as a document named filename.
func (c *Client) SendDocument(ctx context.Context, token string, chatID int64, data []byte, filename string) error {
	const method = "sendDocument"
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	part, err := w.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if _, err = part.Write(data); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(token, method), &body)
	if err != nil {
		return requestError(method)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	_, err = call[json.RawMessage](c, req, method)
	return err
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, token, fileID string) (*File, error) {
	q := url.Values{"file_id": {fileID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL(token, "getFile")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, requestError("getFile")
	}
	f, err := call[File](c, req, "getFile")
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DownloadFile fetches the content of a path returned by GetFile.
func (c *Client) DownloadFile(ctx context.Context, token, filePath string) ([]byte, error) {
	const method = "downloadFile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/bot"+token+"/"+strings.TrimLeft(filePath, "/"), nil)
	if err != nil {
		return nil, requestError(method)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode}
	}
	var r io.Reader = resp.Body
	if c.MaxFileSize > 0 {
		r = io.LimitReader(r, c.MaxFileSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, transportError(method, err)
	}
	if c.MaxFileSize > 0 && int64(len(data)) > c.MaxFileSize {
		return nil, fmt.Errorf("telegram %s: %w", method, ErrFileTooLarge)
	}
	return data, nil
}

// DeleteWebhook switches the bot to long polling.
func (c *Client) DeleteWebhook(ctx context.Context, token string, dropPending bool) error {
	form := url.Values{"drop_pending_updates": {strconv.FormatBool(dropPending)}}
	_, err := c.postForm(ctx, token, "deleteWebhook", form)
	return err
}

func (c *Client) methodURL(token, method string) string {
	return c.baseURL + "/bot" + token + "/" + method
}

func (c *Client) postForm(ctx context.Context, token, method string, form url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(token, method), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, requestError(method)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return call[json.RawMessage](c, req, method)
}

func call[T any](c *Client, req *http.Request, method string) (T, error) {
	var zero T
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, transportError(method, err)
	}
	defer resp.Body.Close()
	var body response[T]
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode >= 400 || (decodeErr == nil && !body.OK) {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: body.Description}
		if body.ErrorCode != 0 {
			apiErr.StatusCode = body.ErrorCode
		} else if apiErr.StatusCode < 400 {
			apiErr.StatusCode = http.StatusBadRequest
		}
		if body.Parameters != nil {
			apiErr.RetryAfterS = body.Parameters.RetryAfter
		}
		return zero, apiErr
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("telegram %s: decoding response: %w", method, decodeErr)
	}
	return body.Result, nil
}

func requestError(method string) error {
	return fmt.Errorf("telegram %s: building request failed", method)
}

// transportError strips the request URL, which carries the bot token, from
// net/http errors.
func transportError(method string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}
