package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteAnalysis(t *testing.T) {
	iv := model.Interview{
		ID:             "iv-1",
		JobDescription: "Go backend engineer",
		CreatedAt:      time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
		Questions:      []model.Question{{Index: 0, Text: "Explain channels"}, {Index: 1, Text: "Design a cache"}},
		Recordings: []model.Recording{
			{QuestionIndex: 0, Transcript: "typed conduits"},
			{QuestionIndex: 1, Transcript: "LRU"},
		},
		Analysis: &model.AnalysisResult{
			OverallScore: 78,
			Strengths:    []string{"clear", "concise"},
			Weaknesses:   []string{},
			QuestionAnalysis: []model.QuestionAnalysis{
				{QuestionIndex: 0, Question: "Explain channels", Score: 80, Feedback: "good", ImprovementTips: "1. **Depth:** mention select. 2. **Examples:** show code."},
				{QuestionIndex: 1, Question: "Design a cache", Score: 76, Feedback: "ok", ImprovementTips: "Talk about eviction."},
			},
			Fallback: true,
		},
	}

	data, err := WriteAnalysis(iv)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, []string{"Summary", "Questions"}, f.GetSheetList())

	title, err := f.GetCellValue("Summary", "A1")
	require.NoError(t, err)
	require.Equal(t, "Interview Analysis", title)
	score, err := f.GetCellValue("Summary", "B6")
	require.NoError(t, err)
	require.Equal(t, "78", score)
	note, err := f.GetCellValue("Summary", "A11")
	require.NoError(t, err)
	require.Equal(t, "Note:", note)

	question, err := f.GetCellValue("Questions", "B3")
	require.NoError(t, err)
	require.Equal(t, "Design a cache", question)
	answer, err := f.GetCellValue("Questions", "C2")
	require.NoError(t, err)
	require.Equal(t, "typed conduits", answer)

	runs, err := f.GetCellRichText("Questions", "F2")
	require.NoError(t, err)
	var italic []string
	for _, r := range runs {
		if r.Font != nil && r.Font.Italic {
			italic = append(italic, r.Text)
		}
	}
	require.Equal(t, []string{"Depth:", "Examples:"}, italic)
}

func TestWriteAnalysisRequiresAnalysis(t *testing.T) {
	_, err := WriteAnalysis(model.Interview{ID: "iv"})
	require.ErrorIs(t, err, ErrNoAnalysis)
}

func TestTipRunsPlainText(t *testing.T) {
	runs := tipRuns("Just practice.")
	require.Len(t, runs, 1)
	require.Equal(t, "Just practice.", runs[0].Text)
	require.Nil(t, tipRuns(""))
}
