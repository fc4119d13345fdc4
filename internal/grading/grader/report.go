package grader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gradebox/internal/grading/sandbox/result"
	appErr "gradebox/pkg/errors"
)

// Report file naming, one pair per student.
const (
	outputFilePattern  = "%s.out.txt"
	gradingFilePattern = "%s.grading.txt"
)

// ReportInfo carries the metadata written into the grading template.
type ReportInfo struct {
	Assignment string
	Grader     string
}

// WriteReports writes the combined step output and the grading template
// into the student's submission directory.
func WriteReports(dir string, res result.GradeResult, info ReportInfo) error {
	if err := writeOutputFile(dir, res); err != nil {
		return err
	}
	return writeGradingFile(dir, res.StudentID, info)
}

// OutputFileName returns the combined-output filename for a student.
func OutputFileName(studentID string) string {
	return fmt.Sprintf(outputFilePattern, studentID)
}

// GradingFileName returns the grading-template filename for a student.
func GradingFileName(studentID string) string {
	return fmt.Sprintf(gradingFilePattern, studentID)
}

func writeOutputFile(dir string, res result.GradeResult) error {
	var b strings.Builder
	for _, step := range res.Steps {
		b.WriteString(step.Stdout)
		b.WriteString(step.Stderr)
	}
	path := filepath.Join(dir, OutputFileName(res.StudentID))
	if err := os.WriteFile(path, []byte(b.String()), 0640); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "write output file: %v", err)
	}
	return nil
}

func writeGradingFile(dir, studentID string, info ReportInfo) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Grading for %s (%s).\n", info.Assignment, studentID)
	b.WriteString("\n")
	b.WriteString("*\n")
	b.WriteString("\n")
	b.WriteString("Score: \n")
	fmt.Fprintf(&b, "Grader: %s\n", info.Grader)

	path := filepath.Join(dir, GradingFileName(studentID))
	if err := os.WriteFile(path, []byte(b.String()), 0640); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "write grading file: %v", err)
	}
	return nil
}
