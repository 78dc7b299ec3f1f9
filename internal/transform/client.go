package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pixiesketch/platform/internal/config"
	"go.uber.org/zap"
)

// Client calls the external vision + image-generation API over HTTP.
// Every call is bounded by the configured timeout; exceeding it surfaces
// as a transform failure rather than an unresolved in-flight call.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	imageModel string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) Transformer {
	return &Client{
		baseURL:    cfg.Transform.BaseURL,
		apiKey:     cfg.Transform.APIKey,
		model:      cfg.Transform.Model,
		imageModel: cfg.Transform.ImageModel,
		httpClient: &http.Client{Timeout: cfg.Transform.CallTimeout},
		log:        log.Named("transform.client"),
	}
}

func (c *Client) Transform(ctx context.Context, imageData string, preset Preset) (string, error) {
	prompt, err := c.analyze(ctx, imageData, preset)
	if err != nil {
		return "", err
	}
	return c.generate(ctx, prompt)
}

func (c *Client) Fallback(ctx context.Context, preset Preset) (string, error) {
	stylePrompt := preset.prompt()
	if stylePrompt == "" {
		return "", ErrInvalidPreset
	}
	return c.generate(ctx, "A whimsical children's drawing brought to life. "+stylePrompt)
}

// analyze runs the vision step: describe the drawing plus the requested
// style as a generation prompt.
func (c *Client) analyze(ctx context.Context, imageData string, preset Preset) (string, error) {
	stylePrompt := preset.prompt()
	if stylePrompt == "" {
		return "", ErrInvalidPreset
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{
						"type": "text",
						"text": "Analyze this drawing and produce a detailed visual description for generating a transformed version. " + stylePrompt,
					},
					{
						"type": "image_url",
						"image_url": map[string]any{
							"url":    imageURLPayload(imageData),
							"detail": "high",
						},
					},
				},
			},
		},
		"max_tokens":  500,
		"temperature": 0.7,
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", body, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 || response.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty vision response", ErrTransformFailure)
	}
	return response.Choices[0].Message.Content, nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":  c.imageModel,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	}

	var response struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/images/generations", body, &response); err != nil {
		return "", err
	}
	if len(response.Data) == 0 || response.Data[0].URL == "" {
		return "", fmt.Errorf("%w: empty generation response", ErrTransformFailure)
	}
	return response.Data[0].URL, nil
}

// imageURLPayload accepts raw base64 image bytes or an already-hosted
// image URL. Retried jobs are re-run from the stored original URL.
func imageURLPayload(imageData string) string {
	if strings.HasPrefix(imageData, "http://") || strings.HasPrefix(imageData, "https://") || strings.HasPrefix(imageData, "data:") {
		return imageData
	}
	return "data:image/png;base64," + imageData
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransformFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.log.Warn("transform API error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", detail),
		)
		return fmt.Errorf("%w: status %d", ErrTransformFailure, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrTransformFailure, err)
	}
	return nil
}
