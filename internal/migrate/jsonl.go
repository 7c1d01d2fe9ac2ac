// Package migrate moves task records in and out of the store as JSONL,
// one task per line.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/tasks"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 1 << 20

// Source lists every task including tombstones. *db.DB implements it.
type Source interface {
	ChangedSince(ctx context.Context, since *time.Time) ([]*schema.Task, error)
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	Since          *time.Time // Only tasks changed after this instant (nil = all)
	SkipTombstones bool       // Leave soft-deleted tasks out
}

// Export writes tasks to w as JSONL in change order. Returns the number of
// lines written.
func Export(ctx context.Context, src Source, w io.Writer, opts ExportOptions) (int, error) {
	list, err := src.ChangedSince(ctx, opts.Since)
	if err != nil {
		return 0, fmt.Errorf("failed to read tasks: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	written := 0
	for _, task := range list {
		if opts.SkipTombstones && !task.IsLive() {
			continue
		}
		if err := enc.Encode(task); err != nil {
			return written, fmt.Errorf("failed to encode task %s: %w", task.ID, err)
		}
		written++
	}

	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("failed to flush output: %w", err)
	}
	return written, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, src Source, path string, opts ExportOptions) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Export(ctx, src, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadJSONL parses one task per line. Blank lines are skipped; a malformed
// line fails the whole read with its line number.
func ReadJSONL(r io.Reader) ([]*schema.Task, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var list []*schema.Task
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var task schema.Task
		if err := json.Unmarshal([]byte(line), &task); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		list = append(list, &task)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return list, nil
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun         bool // Validate only, write nothing
	SkipTombstones bool // Do not recreate soft-deleted tasks
}

// ImportResult contains statistics about the import
type ImportResult struct {
	Created    int
	Tombstoned int
	Duplicates int
	Errors     []string
}

// Import recreates tasks through the service, keeping their ids.
//
// Imported tasks start a new version history at schema.InitialVersion; a
// tombstone is recreated and then removed so it propagates to clients as a
// delete. Ids that already exist are counted as duplicates and skipped.
func Import(ctx context.Context, svc *tasks.Service, list []*schema.Task, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	for _, task := range list {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if opts.SkipTombstones && !task.IsLive() {
			continue
		}

		in := schema.CreateInput{
			ID:          task.ID,
			Title:       task.Title,
			Description: task.Description,
			Completed:   task.Completed,
			Priority:    task.Priority,
			ClientID:    task.ClientID,
		}
		if task.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("task %q: missing id", task.Title))
			continue
		}
		if err := in.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: %v", task.ID, err))
			continue
		}
		if opts.DryRun {
			result.Created++
			continue
		}

		if _, err := svc.Create(ctx, in); err != nil {
			if errors.Is(err, db.ErrDuplicateID) {
				result.Duplicates++
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: %v", task.ID, err))
			continue
		}
		result.Created++

		if !task.IsLive() {
			if _, err := svc.Remove(ctx, task.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("tombstone %s: %v", task.ID, err))
				continue
			}
			result.Tombstoned++
		}
	}

	return result, nil
}
