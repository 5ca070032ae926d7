// Copyright 2024-2026 Aiku AI

// Package vkteams is a small client for the VK Teams Bot API endpoints the
// bridge uses. Calls are single-shot; retrying is up to the caller.
package vkteams

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

// APIError is a non-success answer from the Bot API.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("vkteams %s: HTTP %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("vkteams %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

// HTTPStatus implements retry.StatusError.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Client talks to one VK Teams bot.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	// MaxFileSize bounds GetFile downloads. Zero means no limit.
	MaxFileSize int64
}

// NewClient creates a client for the API rooted at baseURL. A nil
// httpClient gets one with a timeout long enough for 30 s long polls.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// FetchEvents long-polls for events after lastEventID.
func (c *Client) FetchEvents(ctx context.Context, lastEventID int64, pollTime int) ([]Event, error) {
	q := url.Values{
		"pollTime":    {strconv.Itoa(pollTime)},
		"lastEventId": {strconv.FormatInt(lastEventID, 10)},
	}
	var resp eventsResponse
	if err := c.getJSON(ctx, "events/get", q, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// SendText posts a text message to chatID.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	form := url.Values{
		"token":  {c.token},
		"chatId": {chatID},
		"text":   {text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("messages/sendText"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("vkteams messages/sendText: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var resp okResponse
	return c.doJSON(req, "messages/sendText", &resp)
}

// SendFile uploads data as filename to chatID.
func (c *Client) SendFile(ctx context.Context, chatID string, data []byte, filename string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("token", c.token)
	_ = w.WriteField("chatId", chatID)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("vkteams messages/sendFile: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return fmt.Errorf("vkteams messages/sendFile: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("vkteams messages/sendFile: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("messages/sendFile"), &body)
	if err != nil {
		return fmt.Errorf("vkteams messages/sendFile: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	var resp okResponse
	return c.doJSON(req, "messages/sendFile", &resp)
}

// GetFileInfo returns the name and MIME type of a file.
func (c *Client) GetFileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	var resp fileInfoResponse
	if err := c.getJSON(ctx, "files/getInfo", url.Values{"fileId": {fileID}}, &resp); err != nil {
		return nil, err
	}
	return &resp.FileInfo, nil
}

// GetFile downloads the content of a file.
func (c *Client) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	const method = "files/get"
	req, err := c.newGet(ctx, method, url.Values{"fileId": {fileID}})
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, readAPIError(method, resp)
	}
	return readLimited(method, resp.Body, c.MaxFileSize)
}

func (c *Client) endpoint(method string) string {
	return c.baseURL + "/" + method
}

func (c *Client) newGet(ctx context.Context, method string, q url.Values) (*http.Request, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("token", c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(method)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("vkteams %s: building request failed", method)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, method string, q url.Values, out any) error {
	req, err := c.newGet(ctx, method, q)
	if err != nil {
		return err
	}
	return c.doJSON(req, method, out)
}

func (c *Client) doJSON(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(method, resp)
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("vkteams %s: decoding response: %w", method, err)
	}
	// The API reports some rejections as HTTP 200 with "ok": false.
	if r, isResult := out.(interface{ failed() (bool, string) }); isResult {
		if failed, desc := r.failed(); failed {
			return &APIError{Method: method, StatusCode: http.StatusBadRequest, Description: desc}
		}
	}
	return nil
}

func (r *okResponse) failed() (bool, string) {
	return r.OK != nil && !*r.OK, r.Description
}

func readAPIError(method string, resp *http.Response) error {
	apiErr := &APIError{Method: method, StatusCode: resp.StatusCode}
	var body okResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &body) == nil {
		apiErr.Description = body.Description
	}
	return apiErr
}

// transportError strips the request URL, which carries the bot token, from
// net/http errors.
func transportError(method string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return fmt.Errorf("vkteams %s: %w", method, err)
}

// ErrFileTooLarge is returned when a download exceeds MaxFileSize.
var ErrFileTooLarge = errors.New("file exceeds size limit")

func readLimited(method string, r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, transportError(method, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("vkteams %s: %w", method, ErrFileTooLarge)
	}
	return data, nil
}
