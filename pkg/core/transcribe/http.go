package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/deskbridge/deskbridge/pkg/core/audio"
)

// HTTPProvider talks to a speech-to-text service over its transcription
// endpoint: a multipart POST of one WAV file, JSON text back.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

// NewHTTP creates a provider for the service at baseURL.
func NewHTTP(baseURL, apiKey string, sampleRate int, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{}
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		sampleRate: sampleRate,
		httpClient: client,
	}
}

// WithModel selects a provider-specific model name.
func (p *HTTPProvider) WithModel(model string) *HTTPProvider {
	p.model = model
	return p
}

// Name returns the provider identifier.
func (p *HTTPProvider) Name() string {
	return "http"
}

// Transcribe converts one segment to text.
func (p *HTTPProvider) Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(seg.WAVBytes(p.sampleRate)); err != nil {
		return Transcript{}, fmt.Errorf("write audio data: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return Transcript{}, fmt.Errorf("write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/transcriptions", &buf)
	if err != nil {
		return Transcript{}, fmt.Errorf("create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("speech to text request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Transcript{}, fmt.Errorf("speech to text error %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Transcript{}, fmt.Errorf("parse response: %w", err)
	}
	return Transcript{Text: decoded.Text}, nil
}
