// Package intake turns an LMS export archive into per-student submissions.
package intake

import (
	"bufio"
	"io"
	"regexp"

	"gradebox/pkg/errors"
)

// Blackboard export naming conventions.
var (
	infoFileRe  = regexp.MustCompile(`.+_attempt_[0-9-]{19}\.txt`)
	studentIDRe = regexp.MustCompile(`^Name:.+\((.+)\)$`)
	origFileRe  = regexp.MustCompile(`^\tOriginal filename: (.+)$`)
	fileRe      = regexp.MustCompile(`^\tFilename: (.+)$`)
)

// FileMapping pairs a student's original filename with the mangled name
// the export gave it inside the archive.
type FileMapping struct {
	Original string
	Archived string
}

// InfoFile is the parsed form of one submission info file.
type InfoFile struct {
	StudentID string
	Files     []FileMapping
}

// Submission is one student's materialized submission.
type Submission struct {
	StudentID string
	Dir       string
	InfoFile  string
	Files     []string
	RunFiles  []string
}

// SubmissionError records a submission that could not be processed.
// The rest of the batch is unaffected.
type SubmissionError struct {
	InfoFileName string
	StudentID    string
	Err          error
}

// Roster is the result of extracting one batch.
type Roster struct {
	Submissions []*Submission
	Errors      []SubmissionError
}

// IsInfoFileName reports whether name looks like an export info file.
func IsInfoFileName(name string) bool {
	return infoFileRe.MatchString(name)
}

// ParseInfoFile reads an export info file: the Name line yields the student
// id, and Original filename / Filename line pairs map archive names back to
// the student's filenames. A Filename line arriving before both the student
// id and its Original filename means the file is malformed.
func ParseInfoFile(r io.Reader) (*InfoFile, error) {
	info := &InfoFile{}
	pendingOriginal := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if m := studentIDRe.FindStringSubmatch(line); m != nil {
			info.StudentID = m[1]
			continue
		}
		if m := origFileRe.FindStringSubmatch(line); m != nil {
			pendingOriginal = m[1]
			continue
		}
		if m := fileRe.FindStringSubmatch(line); m != nil {
			if info.StudentID == "" || pendingOriginal == "" {
				return nil, errors.Newf(errors.InfoFileMalformed, "filename entry before student id or original filename")
			}
			info.Files = append(info.Files, FileMapping{
				Original: pendingOriginal,
				Archived: m[1],
			})
			pendingOriginal = ""
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.InfoFileMalformed, "read info file: %v", err)
	}
	if info.StudentID == "" {
		return nil, errors.Newf(errors.InfoFileMalformed, "no student id line")
	}
	return info, nil
}
