package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTP calls a LibreTranslate-compatible endpoint.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

type httpRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type httpResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

// NewHTTP creates a client for the translate endpoint at endpoint. A nil
// client selects one with a short timeout.
func NewHTTP(endpoint, apiKey string, client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTP{endpoint: endpoint, apiKey: apiKey, client: client, logger: logger}
}

func (h *HTTP) TryTranslate(ctx context.Context, text, source, target string) (string, bool) {
	body, err := json.Marshal(httpRequest{
		Q:      text,
		Source: primary(source),
		Target: primary(target),
		Format: "text",
		APIKey: h.apiKey,
	})
	if err != nil {
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		h.logger.Warn("bad translate endpoint", "endpoint", h.endpoint, "error", err)
		return "", false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("translate request failed", "endpoint", h.endpoint, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	var decoded httpResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		h.logger.Warn("undecodable translate response", "status", resp.StatusCode, "error", err)
		return "", false
	}
	if resp.StatusCode != http.StatusOK || decoded.TranslatedText == "" {
		h.logger.Warn("translate request rejected",
			"status", resp.StatusCode,
			"error", decoded.Error,
		)
		return "", false
	}
	return decoded.TranslatedText, true
}

func (h *HTTP) Translate(ctx context.Context, text, source, target string) string {
	if translated, ok := h.TryTranslate(ctx, text, source, target); ok {
		return translated
	}
	return text
}
