package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/connector"
	xerrors "SmartFlow-Orchestrator/internal/errors"
)

func writeContext(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoaderReadsFilesInsideRoot(t *testing.T) {
	root := t.TempDir()
	writeContext(t, root, "style.md", "Write in short sentences.")
	abs := writeContext(t, root, "brand/voice.md", "Friendly, direct.")
	writeContext(t, filepath.Dir(root), "secret.txt", "nope")

	docs := NewLoader(root).Load([]string{"style.md", abs, "missing.md", "../secret.txt"})

	require.Len(t, docs, 2)
	assert.Equal(t, "style.md", docs[0].Title)
	assert.Equal(t, "Write in short sentences.", docs[0].Content)
	assert.Equal(t, "voice.md", docs[1].Title)
}

func TestResolveRejectsTraversal(t *testing.T) {
	loader := NewLoader(t.TempDir())

	_, err := loader.Resolve("../../etc/passwd")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeSecurity))

	_, err = loader.Resolve("/etc/passwd")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeSecurity))

	_, err = loader.Resolve(" ")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
}

func TestResolveFollowsSymlinks(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "context")
	writeContext(t, root, "notes.md", "inside")
	secret := writeContext(t, base, "secret.txt", "outside")
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "leak.md")))
	require.NoError(t, os.Symlink(filepath.Join(root, "notes.md"), filepath.Join(root, "alias.md")))
	loader := NewLoader(root)

	_, err := loader.Resolve("leak.md")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeSecurity))

	_, err = loader.Resolve("alias.md")
	require.NoError(t, err)

	docs := loader.Load([]string{"leak.md", "alias.md"})
	require.Len(t, docs, 1)
	assert.Equal(t, "inside", docs[0].Content)
}

func TestLoaderLimits(t *testing.T) {
	root := t.TempDir()
	writeContext(t, root, "long.md", strings.Repeat("x", 100))
	writeContext(t, root, "a.md", "a")
	writeContext(t, root, "b.md", "b")

	docs := NewLoader(root, WithMaxBytes(10), WithMaxFiles(2)).Load([]string{"long.md", "a.md", "b.md"})

	require.Len(t, docs, 2)
	assert.True(t, docs[0].Truncated)
	assert.Len(t, docs[0].Content, 10)
	assert.Equal(t, "a", docs[1].Content)
}

func TestLoaderRefreshesChangedFiles(t *testing.T) {
	root := t.TempDir()
	writeContext(t, root, "notes.md", "v1")
	loader := NewLoader(root)

	require.Equal(t, "v1", loader.Load([]string{"notes.md"})[0].Content)

	writeContext(t, root, "notes.md", "version two")
	assert.Equal(t, "version two", loader.Load([]string{"notes.md"})[0].Content)
}

type agentsByID map[string]agent.Agent

func (a agentsByID) Get(id string) (agent.Agent, bool) {
	ag, ok := a[id]
	return ag, ok
}

type capturingConnector struct {
	connector.Custom
	last connector.Task
}

func (c *capturingConnector) Invoke(_ context.Context, _ string, task connector.Task) connector.Result {
	c.last = task
	return connector.Result{Success: true}
}

func TestAttacherAddsContextFilesBeforeInvoke(t *testing.T) {
	root := t.TempDir()
	writeContext(t, root, "style.md", "Use British spelling.")
	agents := agentsByID{
		"writer": {Manifest: agent.Manifest{AgentID: "writer", Platform: "custom", ContextFiles: []string{"style.md"}}},
		"plain":  {Manifest: agent.Manifest{AgentID: "plain", Platform: "custom"}},
	}
	capture := &capturingConnector{}
	manager := connector.NewManager(connector.WithEnricher(NewAttacher(agents, NewLoader(root))))
	manager.Register(capture)

	_, err := manager.Invoke(context.Background(), "custom", "writer", connector.Task{Action: "draft"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"style.md": "Use British spelling."}, capture.last.ContextFiles)
	assert.Contains(t, connector.UserPrompt(capture.last), "### style.md\nUse British spelling.")

	_, err = manager.Invoke(context.Background(), "custom", "plain", connector.Task{Action: "draft"})
	require.NoError(t, err)
	assert.Nil(t, capture.last.ContextFiles)
}
