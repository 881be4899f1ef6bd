package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"civicbeacon/internal/delivery"
	"civicbeacon/internal/message"
	"civicbeacon/internal/model"
)

func TestHTTPGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["category"] != "littering" || req["language"] != "es" {
			t.Errorf("unexpected request %v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "Por favor use los contenedores."})
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL, srv.Client())
	text, err := gen.Generate(context.Background(), message.GenerationRequest{
		Category: "littering",
		Language: "es",
		Location: "parkA",
		Tone:     model.ToneReminder,
		Severity: model.SeverityMedium,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Por favor use los contenedores." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestHTTPGeneratorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL, srv.Client())
	if _, err := gen.Generate(context.Background(), message.GenerationRequest{}); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestHTTPSynthesizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pcm-data"))
	}))
	defer srv.Close()

	synth := NewHTTPSynthesizer(srv.URL, srv.Client())
	audio, err := synth.Synthesize(context.Background(), "hello", "en")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "pcm-data" {
		t.Fatalf("unexpected audio %q", audio)
	}
}

func TestHTTPSynthesizerEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	synth := NewHTTPSynthesizer(srv.URL, srv.Client())
	if _, err := synth.Synthesize(context.Background(), "hello", "en"); err == nil {
		t.Fatalf("expected error on empty audio body")
	}
}

func TestHTTPDisplayAndSpeaker(t *testing.T) {
	var gotFrame, gotClip map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		switch r.URL.Path {
		case "/render":
			gotFrame = payload
		case "/play":
			gotClip = payload
		}
	}))
	defer srv.Close()

	display := NewHTTPDisplay(srv.URL+"/render", srv.Client())
	err := display.Render(context.Background(), delivery.VisualFrame{
		Text: "Please use the bins provided.", Language: "en", FontPt: 72, Duration: 8 * time.Second,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if gotFrame["font_pt"].(float64) != 72 || gotFrame["duration_ms"].(float64) != 8000 {
		t.Fatalf("unexpected frame %v", gotFrame)
	}

	speaker := NewHTTPSpeaker(srv.URL+"/play", srv.Client())
	err = speaker.Play(context.Background(), delivery.AudioClip{Audio: []byte("pcm"), Language: "en", VolumeDb: 70})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if gotClip["volume_db"].(float64) != 70 {
		t.Fatalf("unexpected clip %v", gotClip)
	}
}

func TestHTTPNoiseSensorFallsBackQuiet(t *testing.T) {
	sensor := NewHTTPNoiseSensor("http://127.0.0.1:1/ambient", nil, nil)
	if db := sensor.AmbientDb(); db != 0 {
		t.Fatalf("unreachable sensor should read quiet, got %v", db)
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.URL, srv.Client())
	latency, err := probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if latency <= 0 {
		t.Fatalf("expected positive latency, got %v", latency)
	}

	bad := HTTPProbe("http://127.0.0.1:1/health", nil)
	if _, err := bad(context.Background()); err == nil {
		t.Fatalf("expected probe failure for unreachable host")
	}
}
