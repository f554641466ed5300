package interview

import "github.com/loqalabs/interview-buddy/internal/model"

// FallbackAnalysis is returned when the model output cannot be recovered. It
// is deterministic and flagged so clients can tell it from a real analysis.
func FallbackAnalysis(n int) model.AnalysisResult {
	result := model.AnalysisResult{
		OverallScore: 70,
		Strengths:    []string{"Completed every question of the interview"},
		Weaknesses:   []string{"Automatic feedback is unavailable for this interview; review the transcripts manually"},
		Fallback:     true,
	}
	result.QuestionAnalysis = make([]model.QuestionAnalysis, max(n, 0))
	for i := range result.QuestionAnalysis {
		result.QuestionAnalysis[i] = model.QuestionAnalysis{
			QuestionIndex:   i,
			Score:           70,
			Feedback:        "Detailed feedback could not be generated for this answer.",
			ImprovementTips: "Consider adding specific examples and technical details to your response.",
		}
	}
	return result
}
