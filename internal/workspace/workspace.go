// Package workspace manages each agent's private directory on disk.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const resultsSubdir = ".gc/results"

// Manager lays out agent workspaces under a root directory:
//
//	<root>/<agentName>/.gc/results/<timestamp>-<childTaskId>.md
type Manager struct {
	root string
}

// New creates a manager rooted at root.
func New(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root.
func (m *Manager) Root() string {
	return m.root
}

func checkAgentName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid agent name %q", name)
	}
	return nil
}

// AgentDir returns the agent's private directory.
func (m *Manager) AgentDir(agentName string) (string, error) {
	if err := checkAgentName(agentName); err != nil {
		return "", err
	}
	return filepath.Join(m.root, agentName), nil
}

// ResultsDir returns the directory delegated results are written to.
func (m *Manager) ResultsDir(agentName string) (string, error) {
	dir, err := m.AgentDir(agentName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, resultsSubdir), nil
}

// Ensure creates the agent directory and its results folder.
func (m *Manager) Ensure(agentName string) (string, error) {
	results, err := m.ResultsDir(agentName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(results, 0755); err != nil {
		return "", fmt.Errorf("create workspace for %s: %w", agentName, err)
	}
	return filepath.Dir(filepath.Dir(results)), nil
}

// ChildResult is what a finished child task hands back to its parent.
type ChildResult struct {
	TaskID      string
	Status      string
	CompletedAt time.Time
	Result      string
}

// ResultFileName names an artifact from its completion time and task id,
// e.g. 2026-10-16T09-30-00-000Z-child-1.md.
func ResultFileName(completedAt time.Time, taskID string) string {
	ts := completedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return ts + "-" + taskID + ".md"
}

// Render formats the artifact body.
func (r ChildResult) Render() string {
	body := r.Result
	if strings.TrimSpace(body) == "" {
		body = "(no result provided)"
	}
	var b strings.Builder
	b.WriteString("# Child Task Result\n\n")
	fmt.Fprintf(&b, "**Task ID**: %s\n", r.TaskID)
	fmt.Fprintf(&b, "**Status**: %s\n", r.Status)
	fmt.Fprintf(&b, "**Completed**: %s\n\n", r.CompletedAt.UTC().Format(time.RFC3339Nano))
	b.WriteString("---\n\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// WriteResult stores r in the agent's results directory and returns the
// artifact path. Artifacts are write-once: if the file already exists it is
// left untouched and its path returned.
func (m *Manager) WriteResult(agentName string, r ChildResult) (string, error) {
	dir, err := m.ResultsDir(agentName)
	if err != nil {
		return "", err
	}
	if r.TaskID == "" || strings.ContainsAny(r.TaskID, `/\`) {
		return "", fmt.Errorf("invalid task id %q", r.TaskID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}

	final := filepath.Join(dir, ResultFileName(r.CompletedAt, r.TaskID))
	tmp, err := os.CreateTemp(dir, ".result-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(r.Render()); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}

	// link fails instead of replacing an existing artifact
	if err := os.Link(tmp.Name(), final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return final, nil
		}
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return final, nil
}

// ListResults returns artifact file names for the agent, oldest first.
func (m *Manager) ListResults(agentName string) ([]string, error) {
	dir, err := m.ResultsDir(agentName)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadResult returns up to limit bytes of a stored artifact, never splitting
// a UTF-8 sequence. A limit of zero reads the whole file.
func (m *Manager) ReadResult(agentName, name string, limit int) (string, error) {
	dir, err := m.ResultsDir(agentName)
	if err != nil {
		return "", err
	}
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".md") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if limit > 0 && len(data) > limit {
		// cut on a rune boundary
		cut := limit
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		data = data[:cut]
	}
	return string(data), nil
}
