package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"civicbeacon/internal/delivery"
	"civicbeacon/internal/message"
	"civicbeacon/internal/netmon"
)

// HTTP adapters for the device's collaborator daemons: the cloud AI
// generator, the local TTS engine, and the display/speaker hardware agents.
// Each adapter speaks plain JSON and treats any non-2xx status as failure,
// leaving degradation decisions to the caller.

func httpClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type HTTPGenerator struct {
	url    string
	client *http.Client
}

func NewHTTPGenerator(url string, client *http.Client) *HTTPGenerator {
	return &HTTPGenerator{url: url, client: httpClient(client)}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req message.GenerationRequest) (string, error) {
	payload := map[string]any{
		"category": req.Category,
		"language": req.Language,
		"location": req.Location,
		"tone":     req.Tone,
		"severity": req.Severity,
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := postJSON(ctx, g.client, g.url, payload, &out); err != nil {
		return "", fmt.Errorf("generator: %w", err)
	}
	return out.Text, nil
}

type HTTPSynthesizer struct {
	url    string
	client *http.Client
}

func NewHTTPSynthesizer(url string, client *http.Client) *HTTPSynthesizer {
	return &HTTPSynthesizer{url: url, client: httpClient(client)}
}

// Synthesize returns the raw audio body the TTS daemon produced.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text, "language": language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tts: status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("tts read: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts: empty audio body")
	}
	return audio, nil
}

type HTTPDisplay struct {
	url    string
	client *http.Client
}

func NewHTTPDisplay(url string, client *http.Client) *HTTPDisplay {
	return &HTTPDisplay{url: url, client: httpClient(client)}
}

func (d *HTTPDisplay) Render(ctx context.Context, frame delivery.VisualFrame) error {
	payload := map[string]any{
		"text":        frame.Text,
		"language":    frame.Language,
		"font_pt":     frame.FontPt,
		"duration_ms": frame.Duration.Milliseconds(),
	}
	if err := postJSON(ctx, d.client, d.url, payload, nil); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	return nil
}

type HTTPSpeaker struct {
	url    string
	client *http.Client
}

func NewHTTPSpeaker(url string, client *http.Client) *HTTPSpeaker {
	return &HTTPSpeaker{url: url, client: httpClient(client)}
}

func (s *HTTPSpeaker) Play(ctx context.Context, clip delivery.AudioClip) error {
	payload := map[string]any{
		"audio":     clip.Audio,
		"language":  clip.Language,
		"volume_db": clip.VolumeDb,
	}
	if err := postJSON(ctx, s.client, s.url, payload, nil); err != nil {
		return fmt.Errorf("speaker: %w", err)
	}
	return nil
}

// HTTPNoiseSensor polls the ambient microphone daemon. A failed read reports
// 0 dB, which the volume curve treats as quiet.
type HTTPNoiseSensor struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPNoiseSensor(url string, client *http.Client, logger *slog.Logger) *HTTPNoiseSensor {
	return &HTTPNoiseSensor{url: url, client: httpClient(client), logger: logger}
}

func (n *HTTPNoiseSensor) AmbientDb() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.url, nil)
	if err != nil {
		return 0
	}
	resp, err := n.client.Do(req)
	if err != nil {
		if n.logger != nil {
			n.logger.Debug("noise sensor unreachable", "err", err)
		}
		return 0
	}
	defer resp.Body.Close()
	var out struct {
		AmbientDb float64 `json:"ambient_db"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0
	}
	return out.AmbientDb
}

// HTTPProbe measures one round-trip to a reachability endpoint, usually the
// cloud registry's health URL.
func HTTPProbe(url string, client *http.Client) netmon.Probe {
	c := httpClient(client)
	return func(ctx context.Context) (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := c.Do(req)
		latency := time.Since(start)
		if err != nil {
			return latency, err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return latency, fmt.Errorf("probe: status %d", resp.StatusCode)
		}
		return latency, nil
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
