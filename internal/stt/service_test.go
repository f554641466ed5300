package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/interview-buddy/internal/bus"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/natsserver"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return bus.NewClient(conn, log, time.Second)
}

func testConfig() config.STTConfig {
	return config.STTConfig{
		Enabled:        true,
		Mode:           "mock",
		Language:       "en-US",
		SampleRate:     16000,
		Channels:       1,
		PartialEveryMS: 0,
		PublishInterim: true,
		IdleTimeoutMS:  5000,
	}
}

type sinkEvent struct {
	kind string
	text string
	err  error
}

type chanSink struct {
	events chan sinkEvent
}

func newChanSink() *chanSink { return &chanSink{events: make(chan sinkEvent, 32)} }

func (c *chanSink) Interim(text string)          { c.events <- sinkEvent{kind: "interim", text: text} }
func (c *chanSink) Final(text string, _ float64) { c.events <- sinkEvent{kind: "final", text: text} }
func (c *chanSink) Error(err error)              { c.events <- sinkEvent{kind: "error", err: err} }
func (c *chanSink) End()                         { c.events <- sinkEvent{kind: "end"} }

func (c *chanSink) next(t *testing.T) sinkEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for engine callback")
		return sinkEvent{}
	}
}

func startService(t *testing.T, client *bus.Client, cfg config.STTConfig) {
	t.Helper()
	svc := NewService(context.Background(), cfg, client, NewMockRecognizer())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func speech(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := range pcm {
		pcm[i] = byte(i%7 + 1)
	}
	return pcm
}

func TestFinalFrameProducesTranscriptAndEnd(t *testing.T) {
	client := newTestBus(t)
	startService(t, client, testConfig())

	sink := newChanSink()
	handle, err := NewBusEngine(client, testConfig()).Start(context.Background(), "s-1", sink)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer handle.Stop()

	subject := protocol.Subject(protocol.SubjectAudioFramePrefix, "s-1")
	if err := client.PublishJSON(subject, protocol.AudioFrame{SessionID: "s-1", PCM: speech(8000), Final: true}); err != nil {
		t.Fatalf("publish frame: %v", err)
	}

	var final sinkEvent
	for {
		ev := sink.next(t)
		if ev.kind == "interim" {
			continue
		}
		final = ev
		break
	}
	if final.kind != "final" || final.text != "mock answer covering 500 ms of audio" {
		t.Fatalf("unexpected final event: %+v", final)
	}
	if ev := sink.next(t); ev.kind != "end" {
		t.Fatalf("expected end, got %+v", ev)
	}
}

func TestSilenceReportsTransientNoSpeech(t *testing.T) {
	client := newTestBus(t)
	cfg := testConfig()
	cfg.IdleTimeoutMS = 100
	startService(t, client, cfg)

	sink := newChanSink()
	handle, err := NewBusEngine(client, cfg).Start(context.Background(), "s-2", sink)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer handle.Stop()

	ev := sink.next(t)
	if ev.kind != "error" || !errors.Is(ev.err, model.ErrEngineTransient) {
		t.Fatalf("expected transient error, got %+v", ev)
	}
	if ev := sink.next(t); ev.kind != "end" {
		t.Fatalf("expected end, got %+v", ev)
	}
}

func TestStartWithoutServiceIsUnsupported(t *testing.T) {
	client := newTestBus(t)
	_, err := NewBusEngine(client, testConfig()).Start(context.Background(), "s-3", newChanSink())
	if !errors.Is(err, model.ErrEngineUnsupported) {
		t.Fatalf("expected unsupported engine, got %v", err)
	}
}

func TestStartRejectsOtherLanguage(t *testing.T) {
	client := newTestBus(t)
	startService(t, client, testConfig())

	cfg := testConfig()
	cfg.Language = "fr-FR"
	_, err := NewBusEngine(client, cfg).Start(context.Background(), "s-4", newChanSink())
	if !errors.Is(err, model.ErrEngineUnsupported) {
		t.Fatalf("expected unsupported engine, got %v", err)
	}
}

func TestStoppedHandleDropsCallbacks(t *testing.T) {
	client := newTestBus(t)
	startService(t, client, testConfig())

	sink := newChanSink()
	handle, err := NewBusEngine(client, testConfig()).Start(context.Background(), "s-5", sink)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	handle.Stop()
	handle.Stop()

	if err := client.PublishJSON(protocol.Subject(protocol.SubjectTranscriptEndPrefix, "s-5"), protocol.TranscriptEnd{SessionID: "s-5"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("unexpected callback after stop: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	if err := classify(protocol.TranscriptError{Code: protocol.ErrorCodeUnsupported}); !errors.Is(err, model.ErrEngineUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if err := classify(protocol.TranscriptError{Code: protocol.ErrorCodeNoSpeech, Transient: true}); !errors.Is(err, model.ErrEngineTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	err := classify(protocol.TranscriptError{Code: protocol.ErrorCodeRecognizer, Message: "boom"})
	if errors.Is(err, model.ErrEngineTransient) || errors.Is(err, model.ErrEngineUnsupported) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestMockRecognizerSilence(t *testing.T) {
	res, err := NewMockRecognizer().Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("expected no text for silence, got %q", res.Text)
	}
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answer.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writeWAV(file, speech(1600), 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Data) != 1600 || buf.Format.SampleRate != 16000 {
		t.Fatalf("unexpected decoded audio: %d samples at %d Hz", len(buf.Data), buf.Format.SampleRate)
	}
}

func TestWriteWAVRejectsOddPayload(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer file.Close()
	if err := writeWAV(file, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

