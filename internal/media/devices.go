// Package media asks the candidate's client for camera and microphone access
// over the bus.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/interview-buddy/internal/bus"
	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrNoClient is returned when no capture client answers the permission
// request.
var ErrNoClient = errors.New("no capture client connected")

// BusDevices implements capture.Devices by request/reply with the client.
type BusDevices struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusDevices(client *bus.Client) *BusDevices {
	return &BusDevices{
		bus: client,
		log: client.Logger().With(slog.String("component", "media")),
	}
}

// Acquire requests audio and video for one capture session. A refusal is
// reported as model.ErrPermissionDenied.
func (d *BusDevices) Acquire(ctx context.Context, req capture.DeviceRequest) (capture.Stream, error) {
	var reply protocol.PermissionReply
	err := d.bus.RequestJSON(ctx, protocol.SubjectCapturePermission, protocol.PermissionRequest{
		SessionID:     req.SessionID,
		InterviewID:   req.InterviewID,
		QuestionIndex: req.QuestionIndex,
		Video:         true,
		Audio:         true,
	}, &reply)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrNoClient
	}
	if err != nil {
		return nil, err
	}
	if !reply.Granted {
		reason := reply.Reason
		if reason == "" {
			reason = "device access refused"
		}
		return nil, fmt.Errorf("%w: %s", model.ErrPermissionDenied, reason)
	}
	d.log.Debug("devices granted", slog.String("session_id", req.SessionID))
	return &busStream{devices: d, sessionID: req.SessionID}, nil
}

type busStream struct {
	devices   *BusDevices
	sessionID string
	once      sync.Once
}

// Stop tells the client to stop every track of the session.
func (s *busStream) Stop() {
	s.once.Do(func() {
		subject := protocol.Subject(protocol.SubjectCaptureReleasePrefix, s.sessionID)
		if err := s.devices.bus.PublishJSON(subject, protocol.DeviceRelease{SessionID: s.sessionID}); err != nil {
			s.devices.log.Warn("failed to release devices", slog.String("error", err.Error()))
		}
	})
}

// ForMode returns the devices for capture.devices: "bus" asks the remote
// client, anything else grants access without prompting.
func ForMode(mode string, client *bus.Client) capture.Devices {
	if mode == "bus" && client != nil {
		return NewBusDevices(client)
	}
	return capture.GrantAll{}
}
