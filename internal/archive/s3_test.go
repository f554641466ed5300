package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func newFake() *fakePutter {
	return &fakePutter{objects: map[string][]byte{}, types: map[string]string{}}
}

func TestArchiveUploadsAnalysisAndReport(t *testing.T) {
	fake := newFake()
	a := NewWithClient(fake, "reports", "interviews", slog.New(slog.NewTextHandler(io.Discard, nil)))

	key, err := a.Archive(context.Background(), "iv-9", model.AnalysisResult{OverallScore: 66}, []byte("xlsx"))
	require.NoError(t, err)
	require.Equal(t, "interviews/iv-9/report.xlsx", key)
	require.Contains(t, string(fake.objects["reports/interviews/iv-9/analysis.json"]), `"overallScore": 66`)
	require.Equal(t, []byte("xlsx"), fake.objects["reports/interviews/iv-9/report.xlsx"])
	require.Equal(t, "application/json", fake.types["interviews/iv-9/analysis.json"])
}

func TestArchiveWithoutReport(t *testing.T) {
	fake := newFake()
	a := NewWithClient(fake, "reports", "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	key, err := a.Archive(context.Background(), "iv-9", model.AnalysisResult{}, nil)
	require.NoError(t, err)
	require.Equal(t, "iv-9/analysis.json", key)
	require.Len(t, fake.objects, 1)
}

func TestArchivePropagatesErrors(t *testing.T) {
	fake := newFake()
	fake.err = errors.New("denied")
	a := NewWithClient(fake, "reports", "p", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := a.Archive(context.Background(), "iv-9", model.AnalysisResult{}, nil)
	require.ErrorContains(t, err, "denied")
}
