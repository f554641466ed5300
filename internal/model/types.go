package model

import "time"

// Question is one generated interview question. Index is its position in
// interview order and never changes once generated.
type Question struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Recording is the finalized answer to a single question.
type Recording struct {
	QuestionIndex int       `json:"questionIndex"`
	Transcript    string    `json:"transcript"`
	Timestamp     time.Time `json:"timestamp"`
	Confidence    float64   `json:"confidence"`
	Placeholder   bool      `json:"placeholder,omitempty"`
}

// AnalysisResult is the normalized performance analysis of an interview.
type AnalysisResult struct {
	OverallScore     int                `json:"overallScore"`
	Strengths        []string           `json:"strengths"`
	Weaknesses       []string           `json:"weaknesses"`
	QuestionAnalysis []QuestionAnalysis `json:"questionAnalysis"`
	Fallback         bool               `json:"fallback,omitempty"`
}

// QuestionAnalysis is the per-answer part of an AnalysisResult.
type QuestionAnalysis struct {
	QuestionIndex   int    `json:"questionIndex"`
	Question        string `json:"question"`
	Score           int    `json:"score"`
	Feedback        string `json:"feedback"`
	ImprovementTips string `json:"improvementTips"`
}

// Interview aggregates everything known about one interview run.
type Interview struct {
	ID             string          `json:"id"`
	JobDescription string          `json:"jobDescription"`
	Questions      []Question      `json:"questions"`
	Recordings     []Recording     `json:"recordings"`
	Analysis       *AnalysisResult `json:"analysis,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// QuestionsFromText assigns interview order to generated question strings.
func QuestionsFromText(texts []string) []Question {
	questions := make([]Question, 0, len(texts))
	for i, text := range texts {
		questions = append(questions, Question{Index: i, Text: text})
	}
	return questions
}

// Question returns the question at index, if the interview has one.
func (iv Interview) Question(index int) (Question, bool) {
	for _, q := range iv.Questions {
		if q.Index == index {
			return q, true
		}
	}
	return Question{}, false
}
