package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"SmartFlow-Orchestrator/internal/auth"
	"SmartFlow-Orchestrator/internal/config"
	xerrors "SmartFlow-Orchestrator/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommandReportsEachFile(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "greet.yaml", `
id: greet
steps:
  - name: hello
    action: log
    input:
      message: "hi ${name}"
`)
	bad := writeFile(t, dir, "broken.json", `{"id":"broken","steps":[{"agent":"a","action":"log"}]}`)

	out, err := execute(t, "--config", filepath.Join(dir, "missing.yaml"), "validate", good, bad)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 files failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "ok   "+good) {
		t.Fatalf("expected success line, got %q", out)
	}
	if !strings.Contains(out, "FAIL "+bad) || !strings.Contains(out, "exactly one of") {
		t.Fatalf("expected failure line, got %q", out)
	}
}

func TestValidateCommandKinds(t *testing.T) {
	dir := t.TempDir()
	pkg := writeFile(t, dir, "writer.json", `{"package_id":"writer","version":"1.0.0","agents":["drafter"]}`)
	manifest := writeFile(t, dir, "drafter.json", `{"agent_id":"drafter","platform":"custom","capabilities":["writing"]}`)
	invalid := writeFile(t, dir, "invalid.json", `{"agent_id":"drafter","capabilities":["writing"]}`)
	cfgPath := filepath.Join(dir, "missing.yaml")

	if _, err := execute(t, "--config", cfgPath, "validate", "--kind", "package", pkg); err != nil {
		t.Fatalf("package should validate: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "validate", "-k", "agent", manifest); err != nil {
		t.Fatalf("manifest should validate: %v", err)
	}
	out, err := execute(t, "--config", cfgPath, "validate", "-k", "agent", invalid)
	if err == nil || !strings.Contains(out, "platform") {
		t.Fatalf("expected missing platform, got %q (%v)", out, err)
	}
	if _, err := execute(t, "--config", cfgPath, "validate", "-k", "chart", pkg); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "orchestrator.yaml", `
auth:
  mode: disabled
  secret: s3cret
  issuer: sfs
`)

	out, err := execute(t, "--config", cfgPath, "token", "--subject", "ops", "--permission", "read")
	if err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	service, err := auth.NewService(config.AuthConfig{Mode: "jwt", Secret: "s3cret", Issuer: "sfs"})
	if err != nil {
		t.Fatalf("构建鉴权服务失败: %v", err)
	}
	subject, err := service.ParseToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if subject.Name != "ops" || subject.HasPermission("write") || !subject.HasPermission("read") {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	if _, err := execute(t, "--config", cfgPath, "token"); err == nil {
		t.Fatalf("expected missing subject flag error")
	}
}

func TestOpenStateBackend(t *testing.T) {
	cfg := config.Default(t.TempDir())

	backend, err := openStateBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	_ = backend.Close()

	cfg.State.Backend = "etcd"
	if _, err := openStateBackend(context.Background(), cfg); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestConnectorManagerHonoursToggles(t *testing.T) {
	cfg := config.Default(t.TempDir())
	disabled := false
	cfg.Connectors.ChatGPT.Enabled = &disabled

	if got, want := newConnectorManager(cfg).List(), []string{"claude", "custom"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("connectors = %v, want %v", got, want)
	}

	cfg.Connectors.Ollama.Enabled = true
	cfg.Connectors.Custom.Enabled = &disabled
	if got, want := newConnectorManager(cfg).List(), []string{"claude", "ollama"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("connectors = %v, want %v", got, want)
	}
}

func TestLoggerConfigEnablesAuditWithPath(t *testing.T) {
	lc := loggerConfig(config.LoggingConfig{Level: "debug", AuditPath: "/var/log/sfs/audit.log", MaxSizeMB: 10})
	if !lc.Audit.Enabled || lc.Audit.Path != "/var/log/sfs/audit.log" || lc.Rotation.MaxSizeMB != 10 {
		t.Fatalf("unexpected logger config: %+v", lc)
	}
	if loggerConfig(config.LoggingConfig{}).Audit.Enabled {
		t.Fatalf("audit should stay disabled without a path")
	}
}
