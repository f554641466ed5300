// Package export renders interview analyses as spreadsheets.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/interview-buddy/internal/model"
	"github.com/loqalabs/interview-buddy/internal/normalize"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet   = "Summary"
	questionsSheet = "Questions"
)

// ErrNoAnalysis is returned for interviews that were not analyzed yet.
var ErrNoAnalysis = errors.New("interview has no analysis")

// WriteAnalysis renders the analysis of iv as an XLSX workbook.
func WriteAnalysis(iv model.Interview) ([]byte, error) {
	if iv.Analysis == nil {
		return nil, ErrNoAnalysis
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(questionsSheet); err != nil {
		return nil, err
	}

	if err := writeSummary(f, iv); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	if err := writeQuestions(f, iv); err != nil {
		return nil, fmt.Errorf("failed to create questions sheet: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, iv model.Interview) error {
	analysis := iv.Analysis
	f.SetColWidth(summarySheet, "A", "A", 22)
	f.SetColWidth(summarySheet, "B", "B", 80)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center"},
	})
	if err != nil {
		return err
	}
	labelStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Vertical: "top"},
	})
	if err != nil {
		return err
	}
	wrapStyle, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})
	if err != nil {
		return err
	}

	row := 1
	f.SetCellValue(summarySheet, cell("A", row), "Interview Analysis")
	f.SetCellStyle(summarySheet, cell("A", row), cell("B", row), headerStyle)
	f.MergeCell(summarySheet, cell("A", row), cell("B", row))
	row += 2

	pairs := []struct {
		label string
		value any
	}{
		{"Interview:", iv.ID},
		{"Created:", iv.CreatedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Job Description:", iv.JobDescription},
		{"Overall Score:", analysis.OverallScore},
		{"Strengths:", strings.Join(analysis.Strengths, "\n")},
		{"Areas to Improve:", strings.Join(analysis.Weaknesses, "\n")},
		{"Answers Recorded:", len(iv.Recordings)},
	}
	for _, p := range pairs {
		f.SetCellValue(summarySheet, cell("A", row), p.label)
		f.SetCellStyle(summarySheet, cell("A", row), cell("A", row), labelStyle)
		f.SetCellValue(summarySheet, cell("B", row), p.value)
		f.SetCellStyle(summarySheet, cell("B", row), cell("B", row), wrapStyle)
		row++
	}
	if analysis.Fallback {
		row++
		f.SetCellValue(summarySheet, cell("A", row), "Note:")
		f.SetCellStyle(summarySheet, cell("A", row), cell("A", row), labelStyle)
		f.SetCellValue(summarySheet, cell("B", row), "Automatic analysis was unavailable; scores are placeholders.")
	}
	return nil
}

func writeQuestions(f *excelize.File, iv model.Interview) error {
	widths := map[string]float64{"A": 6, "B": 50, "C": 60, "D": 8, "E": 50, "F": 60}
	for col, w := range widths {
		f.SetColWidth(questionsSheet, col, col, w)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return err
	}
	wrapStyle, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})
	if err != nil {
		return err
	}

	headers := []string{"#", "Question", "Answer", "Score", "Feedback", "Improvement Tips"}
	for i, h := range headers {
		name, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(questionsSheet, name, h)
	}
	f.SetCellStyle(questionsSheet, "A1", "F1", headerStyle)

	transcripts := make(map[int]string, len(iv.Recordings))
	for _, rec := range iv.Recordings {
		transcripts[rec.QuestionIndex] = rec.Transcript
	}
	for i, qa := range iv.Analysis.QuestionAnalysis {
		row := i + 2
		f.SetCellValue(questionsSheet, cell("A", row), qa.QuestionIndex+1)
		f.SetCellValue(questionsSheet, cell("B", row), qa.Question)
		f.SetCellValue(questionsSheet, cell("C", row), transcriptFor(iv, i, transcripts))
		f.SetCellValue(questionsSheet, cell("D", row), qa.Score)
		f.SetCellValue(questionsSheet, cell("E", row), qa.Feedback)
		if runs := tipRuns(qa.ImprovementTips); len(runs) > 0 {
			if err := f.SetCellRichText(questionsSheet, cell("F", row), runs); err != nil {
				return err
			}
		}
		f.SetCellStyle(questionsSheet, cell("B", row), cell("F", row), wrapStyle)
	}
	return nil
}

// transcriptFor finds the answer shown next to the i-th analysis entry. The
// analysis is positional, so it follows the recordings' order.
func transcriptFor(iv model.Interview, i int, byIndex map[int]string) string {
	if i < len(iv.Recordings) {
		return iv.Recordings[i].Transcript
	}
	return byIndex[i]
}

// tipRuns turns formatted tips into rich text, one point per line with the
// emphasized title in italics.
func tipRuns(tips string) []excelize.RichTextRun {
	points := normalize.FormatImprovementTips(tips)
	var runs []excelize.RichTextRun
	for i, point := range points {
		if i > 0 {
			runs = append(runs, excelize.RichTextRun{Text: "\n"})
		}
		rest := point
		for rest != "" {
			start := strings.Index(rest, "<i>")
			if start < 0 {
				runs = append(runs, excelize.RichTextRun{Text: rest})
				break
			}
			end := strings.Index(rest[start:], "</i>")
			if end < 0 {
				runs = append(runs, excelize.RichTextRun{Text: rest})
				break
			}
			if start > 0 {
				runs = append(runs, excelize.RichTextRun{Text: rest[:start]})
			}
			runs = append(runs, excelize.RichTextRun{
				Text: rest[start+len("<i>") : start+end],
				Font: &excelize.Font{Italic: true},
			})
			rest = rest[start+end+len("</i>"):]
		}
	}
	return runs
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
