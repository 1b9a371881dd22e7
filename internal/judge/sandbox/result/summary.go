package result

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// TrimOutput drops trailing whitespace, the form outputs are compared and
// reported in.
func TrimOutput(s string) string {
	return strings.TrimRightFunc(s, unicode.IsSpace)
}

// Summarize fills the aggregate fields of a verdict from its case trace.
// Cases that never ran do not count toward the average runtime. maxScore is
// optional; when nil no score is reported.
func Summarize(cases []CaseResult, maxScore *int) JudgeVerdict {
	v := JudgeVerdict{TotalCount: len(cases), Cases: cases}

	var attempted int
	var totalMs int64
	for _, c := range cases {
		if c.Status == CaseNotRun {
			continue
		}
		attempted++
		totalMs += c.ExecutionTimeMs
		if c.Status == CasePassed {
			v.PassedCount++
			continue
		}
		if v.FirstFailure == nil {
			v.FirstFailure = &Failure{
				Index:    c.Index,
				Expected: TrimOutput(c.ExpectedOutput),
				Actual:   TrimOutput(c.ActualOutput),
				Message:  caseMessage(c),
			}
		}
	}

	v.AccuracyPercent = Accuracy(v.PassedCount, v.TotalCount)
	if attempted > 0 {
		v.AvgRuntimeMs = int64(math.Round(float64(totalMs) / float64(attempted)))
	}
	if v.TotalCount > 0 && v.PassedCount == v.TotalCount {
		v.Status = StatusCompleted
		v.Message = fmt.Sprintf("All %d test cases passed successfully.", v.TotalCount)
	} else {
		v.Status = StatusError
		if v.FirstFailure != nil {
			v.Message = v.FirstFailure.Message
		}
	}
	if maxScore != nil {
		score := int(math.Round(float64(*maxScore) * float64(v.AccuracyPercent) / 100))
		v.Score = &score
	}
	return v
}

// Accuracy returns passed/total as a rounded percentage.
func Accuracy(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(passed) / float64(total) * 100))
}

func caseMessage(c CaseResult) string {
	switch c.Status {
	case CaseFailed:
		return fmt.Sprintf("Test case %d failed.\nExpected: \"%s\"\nReceived: \"%s\"", c.Index+1, TrimOutput(c.ExpectedOutput), TrimOutput(c.ActualOutput))
	case CaseTimeout:
		return "Time Limit Exceeded"
	default:
		return c.Error
	}
}
