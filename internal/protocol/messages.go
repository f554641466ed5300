package protocol

import "time"

// AudioFrame carries PCM audio captured by the candidate's client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is a recognised speech segment for one capture session.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// TranscriptError reports an engine failure. Transient errors (no speech)
// leave the recording running.
type TranscriptError struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// TranscriptEnd marks the natural end of one utterance.
type TranscriptEnd struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// STTStart asks the speech service to listen for a session's frames.
type STTStart struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language,omitempty"`
	Interim   bool   `json:"interim"`
}

// STTStartReply acknowledges an STTStart.
type STTStartReply struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// STTStop ends a session's transcription.
type STTStop struct {
	SessionID string `json:"session_id"`
}

// PermissionRequest asks the candidate's client for camera and microphone.
type PermissionRequest struct {
	SessionID     string `json:"session_id"`
	InterviewID   string `json:"interview_id"`
	QuestionIndex int    `json:"question_index"`
	Video         bool   `json:"video"`
	Audio         bool   `json:"audio"`
}

// PermissionReply is the client's answer to a PermissionRequest.
type PermissionReply struct {
	SessionID string `json:"session_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
}

// DeviceRelease tells the client to stop every track of a session.
type DeviceRelease struct {
	SessionID string `json:"session_id"`
}

// CaptureUpdate mirrors a capture session state change.
type CaptureUpdate struct {
	InterviewID   string    `json:"interview_id"`
	SessionID     string    `json:"session_id"`
	QuestionIndex int       `json:"question_index"`
	State         string    `json:"state"`
	Countdown     int       `json:"countdown,omitempty"`
	Interim       string    `json:"interim,omitempty"`
	Final         string    `json:"final,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AnalysisReady announces a finished interview analysis.
type AnalysisReady struct {
	InterviewID  string    `json:"interview_id"`
	OverallScore int       `json:"overall_score"`
	Fallback     bool      `json:"fallback"`
	ReportKey    string    `json:"report_key,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix        = "interview.audio.frame"
	SubjectSTTControl              = "interview.stt.*"
	SubjectSTTStart                = "interview.stt.start"
	SubjectSTTStop                 = "interview.stt.stop"
	SubjectTranscriptPartialPrefix = "interview.transcript.partial"
	SubjectTranscriptFinalPrefix   = "interview.transcript.final"
	SubjectTranscriptEndPrefix     = "interview.transcript.end"
	SubjectTranscriptErrorPrefix   = "interview.transcript.error"
	SubjectCapturePermission       = "interview.capture.permission"
	SubjectCaptureReleasePrefix    = "interview.capture.release"
	SubjectCaptureStatePrefix      = "interview.capture.state"
	SubjectAnalysisReadyPrefix     = "interview.analysis.ready"
)

// Error codes carried by TranscriptError.
const (
	ErrorCodeNoSpeech    = "no-speech"
	ErrorCodeRecognizer  = "recognizer"
	ErrorCodeUnsupported = "unsupported"
)

// Subject joins a prefix and a session or interview id.
func Subject(prefix, id string) string {
	return prefix + "." + id
}
