// Package voxray is an HTTP client for the VoxRay inference server. It
// implements every [backend] collaborator interface:
//
//	POST /transcribe/audio   multipart audio_file      → {"transcription": "..."}
//	POST /chat               {message,context,history} → {"response": "..."}
//	POST /generate/speech    {"text": "..."}           → audio bytes
//	POST /v2/predict/image   multipart image_file      → {"diagnosis","confidence"}
//	POST /predict/image      (fallback when v2 answers 503)
//	POST /predict/explain    multipart image_file      → {"heatmap_b64": "..."}
//
// Usage:
//
//	c, err := voxray.New("http://localhost:8000",
//	    voxray.WithAuthToken(token),
//	)
//	text, err := c.Transcribe(ctx, clip)
package voxray

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
)

// Compile-time interface assertions.
var (
	_ backend.Transcriber = (*Client)(nil)
	_ backend.Chatter     = (*Client)(nil)
	_ backend.Synthesizer = (*Client)(nil)
	_ backend.Predictor   = (*Client)(nil)
	_ backend.Explainer   = (*Client)(nil)
	_ backend.Inference   = (*Client)(nil)
)

const (
	// DefaultAuthHeader carries the caller's access token.
	DefaultAuthHeader = "x-stack-access-token"

	pathTranscribe  = "/transcribe/audio"
	pathChat        = "/chat"
	pathSpeech      = "/generate/speech"
	pathPredictV2   = "/v2/predict/image"
	pathPredict     = "/predict/image"
	pathExplain     = "/predict/explain"
	maxErrorBodyLen = 512
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAuthToken sets the access token attached to every request. An empty
// token sends anonymous requests.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithAuthHeader overrides the header name used for the access token.
func WithAuthHeader(name string) Option {
	return func(c *Client) { c.authHeader = name }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to one VoxRay inference server.
type Client struct {
	baseURL    string
	token      string
	authHeader string
	http       *http.Client
	logger     *slog.Logger
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("voxray: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: DefaultAuthHeader,
		http:       &http.Client{Timeout: 2 * time.Minute},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// ---- voice ------------------------------------------------------------------

// Transcribe uploads a recording and returns the transcription.
func (c *Client) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	body, ctype, err := multipartFile("audio_file", "recording.wav", clip.Data)
	if err != nil {
		return "", fmt.Errorf("voxray: transcribe: %w", err)
	}
	var out struct {
		Transcription string `json:"transcription"`
	}
	if err := c.postJSONResult(ctx, "transcribe", pathTranscribe, ctype, body, &out); err != nil {
		return "", err
	}
	return out.Transcription, nil
}

type chatPayload struct {
	Message string                      `json:"message"`
	Context *string                     `json:"context"`
	History []conversation.HistoryEntry `json:"history"`
}

// Chat submits one user turn with its history and diagnosis context.
func (c *Client) Chat(ctx context.Context, req backend.ChatRequest) (string, error) {
	p := chatPayload{Message: req.Message, History: req.History}
	if req.Context != "" {
		p.Context = &req.Context
	}
	if p.History == nil {
		p.History = []conversation.HistoryEntry{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("voxray: chat: marshal: %w", err)
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := c.postJSONResult(ctx, "chat", pathChat, "application/json", bytes.NewReader(data), &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// Synthesize converts text to speech. The returned clip keeps the server's
// Content-Type.
func (c *Client) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("voxray: speech: marshal: %w", err)
	}
	resp, err := c.post(ctx, "speech", pathSpeech, "application/json", bytes.NewReader(data))
	if err != nil {
		return audio.Clip{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("voxray: speech: read body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return audio.Clip{Data: payload, MIMEType: mime}, nil
}

// ---- imaging ----------------------------------------------------------------

// Predict classifies an image using the versioned endpoint and falls back to
// the unversioned one when the versioned endpoint is unavailable (HTTP 503).
func (c *Client) Predict(ctx context.Context, img backend.Image) (backend.Diagnosis, error) {
	d, err := c.predict(ctx, pathPredictV2, img)
	if code, ok := backend.StatusCode(err); ok && code == http.StatusServiceUnavailable {
		c.logger.Warn("versioned prediction unavailable, falling back", "err", err)
		return c.predict(ctx, pathPredict, img)
	}
	return d, err
}

func (c *Client) predict(ctx context.Context, path string, img backend.Image) (backend.Diagnosis, error) {
	body, ctype, err := multipartFile("image_file", imageName(img), img.Data)
	if err != nil {
		return backend.Diagnosis{}, fmt.Errorf("voxray: predict: %w", err)
	}
	var d backend.Diagnosis
	if err := c.postJSONResult(ctx, "predict", path, ctype, body, &d); err != nil {
		return backend.Diagnosis{}, err
	}
	return d, nil
}

// Explain returns the explainability heatmap for an image.
func (c *Client) Explain(ctx context.Context, img backend.Image) (backend.Heatmap, error) {
	body, ctype, err := multipartFile("image_file", imageName(img), img.Data)
	if err != nil {
		return backend.Heatmap{}, fmt.Errorf("voxray: explain: %w", err)
	}
	var out struct {
		HeatmapB64 string `json:"heatmap_b64"`
	}
	if err := c.postJSONResult(ctx, "explain", pathExplain, ctype, body, &out); err != nil {
		return backend.Heatmap{}, err
	}
	png, err := base64.StdEncoding.DecodeString(out.HeatmapB64)
	if err != nil {
		return backend.Heatmap{}, fmt.Errorf("voxray: explain: decode heatmap: %w", err)
	}
	return backend.Heatmap{PNG: png, Base64: out.HeatmapB64}, nil
}

func imageName(img backend.Image) string {
	if img.Name != "" {
		return img.Name
	}
	return "scan.png"
}

// ---- transport --------------------------------------------------------------

func multipartFile(field, filename string, data []byte) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// post sends a request and returns the response for 2xx statuses. Other
// statuses are returned as *backend.StatusError with the body drained.
func (c *Client) post(ctx context.Context, op, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("voxray: %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set(c.authHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("voxray: %s: %w", op, ctxErr)
		}
		return nil, fmt.Errorf("voxray: %s: %w: %w", op, backend.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, &backend.StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (c *Client) postJSONResult(ctx context.Context, op, path, contentType string, body io.Reader, out any) error {
	resp, err := c.post(ctx, op, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("voxray: %s: decode response: %w", op, err)
	}
	return nil
}
