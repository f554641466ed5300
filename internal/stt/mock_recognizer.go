package stt

import (
	"context"
	"fmt"
)

// mockRecognizer treats all-zero PCM as silence and otherwise reports how
// much audio it heard.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if silent(pcm) {
		return TranscriptResult{}, nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	ms := len(pcm) / 2 * 1000 / sampleRate / channels
	return TranscriptResult{
		Text:       fmt.Sprintf("mock answer covering %d ms of audio", ms),
		Confidence: 0.9,
	}, nil
}

func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
