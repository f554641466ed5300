package interview

import (
	"fmt"
	"strings"

	"github.com/loqalabs/interview-buddy/internal/model"
)

const analysisStructure = `{
    "overallScore": number,
    "strengths": [string, string, ...],
    "weaknesses": [string, string, ...],
    "questionAnalysis": [
        {
            "questionIndex": number,
            "score": number,
            "feedback": string,
            "improvementTips": string
        },
        ...
    ]
}`

func questionPrompt(description string, count int) string {
	return fmt.Sprintf("Based on the following job description, generate %d technical interview questions "+
		"that would be appropriate for this role. Format the response as a JSON array of strings containing only the questions:\n"+
		"Job Description: %s", count, strings.TrimSpace(description))
}

type answered struct {
	question    model.Question
	transcript  string
	placeholder bool
}

func analysisPrompt(jobDescription string, answers []answered) string {
	var sb strings.Builder
	sb.WriteString("You are an expert interviewer and career coach. Analyze this technical interview for a candidate.\n\n")
	fmt.Fprintf(&sb, "Job Description: %s\n\n", strings.TrimSpace(jobDescription))
	sb.WriteString("Questions and candidate responses:\n")
	for i, a := range answers {
		fmt.Fprintf(&sb, "Question %d: %s\n", i+1, a.question.Text)
		if a.placeholder || strings.TrimSpace(a.transcript) == "" {
			fmt.Fprintf(&sb, "Answer %d: [no speech was captured for this answer]\n\n", i+1)
		} else {
			fmt.Fprintf(&sb, "Answer %d: %s\n\n", i+1, a.transcript)
		}
	}
	sb.WriteString("Provide a detailed analysis including:\n")
	sb.WriteString("1. Overall performance score (0-100)\n")
	sb.WriteString("2. Key strengths (bullet points)\n")
	sb.WriteString("3. Areas for improvement (bullet points)\n")
	sb.WriteString("4. Per-question analysis with scores and specific feedback, in the order the questions were asked\n\n")
	sb.WriteString("Format the response as a JSON object with the following structure:\n")
	sb.WriteString(analysisStructure)
	return sb.String()
}

func answerPrompt(jobDescription string, question model.Question, transcript string) string {
	var sb strings.Builder
	sb.WriteString("You are an expert interviewer. Evaluate one answer from a technical interview.\n\n")
	if jd := strings.TrimSpace(jobDescription); jd != "" {
		fmt.Fprintf(&sb, "Job Description: %s\n\n", jd)
	}
	fmt.Fprintf(&sb, "Question: %s\n", question.Text)
	fmt.Fprintf(&sb, "Answer: %s\n\n", transcript)
	sb.WriteString("Format the response as a JSON object: " +
		`{"score": number (0-100), "feedback": string, "improvementTips": string}`)
	return sb.String()
}
