package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultAnswerName = "answer.txt"

// AnswerFile waits for a human to drop their choice into a file in the
// stage directory. The first non-blank line is the answer; the literal
// "skip" refuses the gate.
type AnswerFile struct {
	name string
}

// NewAnswerFile builds a file interactor watching the named file inside
// each question directory. Empty means answer.txt.
func NewAnswerFile(name string) *AnswerFile {
	if name == "" {
		name = defaultAnswerName
	}
	return &AnswerFile{name: name}
}

// Ask blocks until the answer file appears or ctx expires.
func (w *AnswerFile) Ask(ctx context.Context, q Question) (Answer, error) {
	path := filepath.Join(q.Dir, w.name)
	if ans, ok := readAnswer(path); ok {
		return ans, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Answer{}, fmt.Errorf("watch answers: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(q.Dir); err != nil {
		return Answer{}, fmt.Errorf("watch %s: %w", q.Dir, err)
	}
	// The file may have landed between the first check and Add.
	if ans, ok := readAnswer(path); ok {
		return ans, nil
	}
	for {
		select {
		case <-ctx.Done():
			return Answer{Kind: AnswerTimeout}, nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return Answer{Kind: AnswerTimeout}, nil
			}
			if ev.Name != path || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Writers are not atomic; let the line finish.
			time.Sleep(10 * time.Millisecond)
			if ans, ok := readAnswer(path); ok {
				return ans, nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return Answer{Kind: AnswerTimeout}, nil
			}
			return Answer{}, fmt.Errorf("watch answers: %w", werr)
		}
	}
}

// readAnswer parses the first non-blank line of the answer file.
func readAnswer(path string) (Answer, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Answer{}, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "skip") {
			return Answer{Kind: AnswerSkipped}, true
		}
		return Answer{Kind: AnswerValue, Value: line}, true
	}
	return Answer{}, false
}
