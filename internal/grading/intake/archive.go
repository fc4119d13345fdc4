package intake

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Options controls extraction behavior.
type Options struct {
	// RunPatterns select which restored files are flagged for staging into
	// the run dir. Defaults to *.c and Makefile.
	RunPatterns []string
}

func (o *Options) setDefaults() {
	if len(o.RunPatterns) == 0 {
		o.RunPatterns = []string{"*.c", "Makefile"}
	}
}

// ExtractBatch unzips an LMS export into scratchDir, locates every info
// file, and materializes one directory per student under subsDir with the
// student's original filenames restored.
//
// A malformed info file fails only that submission; a duplicate student id
// fails the whole batch.
func ExtractBatch(ctx context.Context, archivePath, scratchDir, subsDir string, opts Options) (*Roster, error) {
	opts.setDefaults()

	if err := unzip(archivePath, scratchDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(subsDir, 0750); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "create submissions dir: %v", err)
	}

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "read scratch dir: %v", err)
	}

	roster := &Roster{}
	seen := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !IsInfoFileName(entry.Name()) {
			continue
		}
		sub, err := buildSubmission(scratchDir, subsDir, entry.Name(), opts)
		if err != nil {
			if errors.Is(err, errors.DuplicateStudent) {
				return nil, err
			}
			logger.Warn(ctx, "submission skipped",
				zap.String("info_file", entry.Name()),
				zap.Error(err))
			roster.Errors = append(roster.Errors, SubmissionError{
				InfoFileName: entry.Name(),
				Err:          err,
			})
			continue
		}
		if prev, dup := seen[sub.StudentID]; dup {
			return nil, errors.Newf(errors.DuplicateStudent, "student %s appears in %s and %s", sub.StudentID, prev, entry.Name())
		}
		seen[sub.StudentID] = entry.Name()
		roster.Submissions = append(roster.Submissions, sub)
	}

	return roster, nil
}

func buildSubmission(scratchDir, subsDir, infoName string, opts Options) (*Submission, error) {
	infoPath := filepath.Join(scratchDir, infoName)
	f, err := os.Open(infoPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "open info file: %v", err)
	}
	info, parseErr := ParseInfoFile(f)
	_ = f.Close()
	if parseErr != nil {
		return nil, parseErr
	}

	studentDir := filepath.Join(subsDir, info.StudentID)
	if err := os.MkdirAll(studentDir, 0750); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "create student dir: %v", err)
	}

	sub := &Submission{
		StudentID: info.StudentID,
		Dir:       studentDir,
		InfoFile:  filepath.Join(studentDir, info.StudentID+".info.txt"),
	}
	if err := os.Rename(infoPath, sub.InfoFile); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "move info file: %v", err)
	}

	for _, mapping := range info.Files {
		// Restored names stay flat inside the student dir.
		original := filepath.Base(mapping.Original)
		archived := filepath.Join(scratchDir, filepath.Base(mapping.Archived))
		dest := filepath.Join(studentDir, original)
		if err := os.Rename(archived, dest); err != nil {
			return nil, errors.Wrapf(err, errors.ArchiveInvalid, "restore %s: %v", original, err)
		}
		sub.Files = append(sub.Files, original)
		if matchesRunPattern(original, opts.RunPatterns) {
			sub.RunFiles = append(sub.RunFiles, original)
		}
	}
	return sub, nil
}

func matchesRunPattern(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// unzip extracts an archive, refusing entries that would escape destDir.
func unzip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrapf(err, errors.ArchiveInvalid, "open archive: %v", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0750); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create scratch dir: %v", err)
	}

	for _, file := range reader.File {
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0750); err != nil {
				return errors.Wrapf(err, errors.WorkspaceError, "create dir: %v", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return errors.Wrapf(err, errors.WorkspaceError, "create parent dir: %v", err)
		}
		if err := extractFile(file, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return errors.Wrapf(err, errors.ArchiveInvalid, "open archive entry %s: %v", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create %s: %v", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, errors.ArchiveInvalid, "extract %s: %v", file.Name, err)
	}
	return nil
}

// safeJoin joins name under base and rejects path traversal.
func safeJoin(base, name string) (string, error) {
	target := filepath.Join(base, name)
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", errors.Newf(errors.ArchiveUnsafePath, "archive entry %q escapes extraction dir", name)
	}
	return target, nil
}
