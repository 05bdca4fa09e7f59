package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"testing"
	"time"
)

// The test binary doubles as queuectl when re-executed with
// QUEUECTL_CLI_MAIN=1, so pools and isolated workers can run as real
// processes.
func TestMain(m *testing.M) {
	if os.Getenv("QUEUECTL_CLI_MAIN") == "1" {
		cmd := NewRootCmd(os.Stdout, os.Stderr)
		cmd.SetArgs(os.Args[1:])
		if err := cmd.ExecuteContext(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type testEnv struct {
	cfgPath string
	pidPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e := &testEnv{
		cfgPath: filepath.Join(dir, "queuectl.yaml"),
		pidPath: filepath.Join(dir, "queuectl.pid"),
	}
	cfg := fmt.Sprintf(`store: sqlite
sqlite_path: %s
migrations_dir: ../../db/migrations
pid_file: %s
worker:
  poll_interval: 10ms
  shutdown_grace: 5s
`, filepath.Join(dir, "queue.db"), e.pidPath)
	if err := os.WriteFile(e.cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := e.run(context.Background(), "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return e
}

func (e *testEnv) run(ctx context.Context, args ...string) (string, error) {
	var out, errOut bytes.Buffer
	cmd := NewRootCmd(&out, &errOut)
	cmd.SetArgs(append(args, "--config", e.cfgPath))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(context.Background(), args...)
	if err != nil {
		t.Fatalf("queuectl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func countOf(t *testing.T, status, state string) string {
	t.Helper()
	m := regexp.MustCompile(`(?m)^` + state + `\s+(\d+)$`).FindStringSubmatch(status)
	if m == nil {
		t.Fatalf("no %s line in status:\n%s", state, status)
	}
	return m[1]
}

func TestEnqueueListGet(t *testing.T) {
	e := newTestEnv(t)

	out := e.mustRun(t, "enqueue", "-c", "echo hi", "--id", "flags-job", "--max-retries", "5")
	if strings.TrimSpace(out) != "enqueued flags-job" {
		t.Fatalf("enqueue output = %q", out)
	}
	e.mustRun(t, "enqueue", `{"id":"json-job","command":"sleep 1","max_retries":2}`)

	if _, err := e.run(context.Background(), "enqueue", `{"id":"x","command":"true","priority":9}`); err == nil {
		t.Fatal("unknown JSON field was accepted")
	}
	if _, err := e.run(context.Background(), "enqueue", `{"command":"true"}`, "--id", "y"); err == nil {
		t.Fatal("JSON and flags together were accepted")
	}
	if _, err := e.run(context.Background(), "enqueue", "--id", "z"); err == nil {
		t.Fatal("job without a command was accepted")
	}
	if _, err := e.run(context.Background(), "enqueue", "-c", "true", "--id", "flags-job"); err == nil {
		t.Fatal("duplicate id was accepted")
	}

	out = e.mustRun(t, "list")
	for _, id := range []string{"flags-job", "json-job"} {
		if !strings.Contains(out, id) {
			t.Fatalf("list output missing %s:\n%s", id, out)
		}
	}
	if out := e.mustRun(t, "list", "--state", "dead"); strings.TrimSpace(out) != "no jobs" {
		t.Fatalf("dead list = %q", out)
	}
	if _, err := e.run(context.Background(), "list", "--state", "bogus"); err == nil {
		t.Fatal("unknown state was accepted")
	}

	out = e.mustRun(t, "get", "json-job")
	if !strings.Contains(out, `"command": "sleep 1"`) || !strings.Contains(out, `"max_retries": 2`) {
		t.Fatalf("get output:\n%s", out)
	}
	if _, err := e.run(context.Background(), "get", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("get missing err = %v", err)
	}

	out = e.mustRun(t, "status")
	if countOf(t, out, "pending") != "2" || countOf(t, out, "dead") != "0" {
		t.Fatalf("status:\n%s", out)
	}
	if !strings.Contains(out, "workers: stopped") {
		t.Fatalf("status should report stopped workers:\n%s", out)
	}
}

func TestWorkerStartProcessesQueue(t *testing.T) {
	e := newTestEnv(t)
	e.mustRun(t, "enqueue", "-c", "exit 0", "--id", "ok")
	e.mustRun(t, "enqueue", "-c", "echo bad >&2; exit 1", "--id", "bad", "--max-retries", "0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := e.run(ctx, "worker", "start", "--count", "2", "--poll", "10ms")
		done <- err
	}()

	deadline := time.Now().Add(15 * time.Second)
	for {
		out := e.mustRun(t, "status")
		if countOf(t, out, "completed") == "1" && countOf(t, out, "dead") == "1" {
			if !strings.Contains(out, "workers: 2 running") {
				t.Fatalf("status should report the running pool:\n%s", out)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs not settled:\n%s", out)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker pool did not stop")
	}
	if _, err := os.Stat(e.pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}

	out := e.mustRun(t, "dlq", "list")
	if !strings.Contains(out, "bad") || !strings.Contains(out, "exit_code=1 stderr=bad") {
		t.Fatalf("dlq list:\n%s", out)
	}
	e.mustRun(t, "dlq", "retry", "bad")
	if _, err := e.run(context.Background(), "dlq", "retry", "bad"); err == nil {
		t.Fatal("replaying a pending job succeeded")
	}
	if out := e.mustRun(t, "dlq", "list"); strings.TrimSpace(out) != "dead letter queue is empty" {
		t.Fatalf("dlq list after retry = %q", out)
	}
}

func TestInterruptLetsRunningJobFinish(t *testing.T) {
	for _, isolate := range []bool{false, true} {
		t.Run(fmt.Sprintf("isolate=%t", isolate), func(t *testing.T) {
			e := newTestEnv(t)
			e.mustRun(t, "enqueue", "-c", "sleep 2; exit 0", "--id", "slow", "--max-retries", "0")

			args := []string{"worker", "start", "--count", "1", "--config", e.cfgPath}
			if isolate {
				args = append(args, "--isolate")
			}
			pool := exec.Command(os.Args[0], args...)
			pool.Env = append(os.Environ(), "QUEUECTL_CLI_MAIN=1")
			// a terminal Ctrl-C reaches the whole foreground group
			pool.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			var logs bytes.Buffer
			pool.Stdout, pool.Stderr = &logs, &logs
			if err := pool.Start(); err != nil {
				t.Fatalf("start pool: %v", err)
			}
			waited := make(chan error, 1)
			go func() { waited <- pool.Wait() }()
			t.Cleanup(func() {
				_ = syscall.Kill(-pool.Process.Pid, syscall.SIGKILL)
			})

			deadline := time.Now().Add(15 * time.Second)
			for countOf(t, e.mustRun(t, "status"), "processing") != "1" {
				if time.Now().After(deadline) {
					t.Fatal("job was never claimed")
				}
				time.Sleep(20 * time.Millisecond)
			}
			if err := syscall.Kill(-pool.Process.Pid, syscall.SIGINT); err != nil {
				t.Fatalf("interrupt pool group: %v", err)
			}

			select {
			case err := <-waited:
				if err != nil {
					t.Fatalf("pool exited with %v:\n%s", err, logs.String())
				}
			case <-time.After(15 * time.Second):
				t.Fatal("pool did not stop")
			}
			out := e.mustRun(t, "get", "slow")
			if !strings.Contains(out, `"state": "completed"`) || !strings.Contains(out, `"attempts": 1`) {
				t.Fatalf("job after interrupt:\n%s\npool log:\n%s", out, logs.String())
			}
		})
	}
}

func TestWorkerStop(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.run(context.Background(), "worker", "stop"); err == nil {
		t.Fatal("stop without a pid file succeeded")
	}

	child := exec.Command("sleep", "30")
	if err := child.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	waited := make(chan error, 1)
	go func() { waited <- child.Wait() }()
	t.Cleanup(func() { _ = child.Process.Kill() })

	if err := writePIDFile(e.pidPath, pidInfo{PID: child.Process.Pid, Count: 1, StartedAt: time.Now()}); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	e.mustRun(t, "worker", "stop")

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not receive SIGTERM")
	}
}

func TestConfigShow(t *testing.T) {
	e := newTestEnv(t)
	t.Setenv("POSTGRES_DSN", "postgres://app:s3cret@db:5432/jobs")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	out := e.mustRun(t, "config", "show")
	for _, want := range []string{"store: sqlite", "poll_interval: 10ms", "max_retries: 3", "postgres://app:xxxxx@db:5432/jobs"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config show missing %q:\n%s", want, out)
		}
	}
	for _, secret := range []string{"s3cret", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Fatalf("config show leaked %q:\n%s", secret, out)
		}
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"postgres://app@db/jobs", "postgres://app@db/jobs"},
		{"postgres://app:pw@db/jobs?sslmode=disable", "postgres://app:xxxxx@db/jobs?sslmode=disable"},
		{"postgres://db/jobs?password=pw&user=app", "postgres://db/jobs?password=xxxxx&user=app"},
		{"host=db user=app password=pw dbname=jobs", "host=db user=app password=xxxxx dbname=jobs"},
		{"host=db password='p w' dbname=jobs", "host=db password=xxxxx dbname=jobs"},
	}
	for _, tt := range tests {
		if got := redactDSN(tt.in); got != tt.want {
			t.Errorf("redactDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRunAt(t *testing.T) {
	want := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{"2026-05-01T10:00:00Z", "2026-05-01T12:00:00+02:00", fmt.Sprint(want.Unix())} {
		got, err := parseRunAt(in)
		if err != nil {
			t.Fatalf("parseRunAt(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parseRunAt(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := parseRunAt("tomorrow"); err == nil {
		t.Fatal("parseRunAt accepted garbage")
	}
}

func TestChildArgsForwardsOverrides(t *testing.T) {
	cmd := workerStartCmd(&app{})
	if err := cmd.ParseFlags([]string{"--poll", "250ms", "--count", "3"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	got := strings.Join(childArgs(cmd, "q.yaml"), " ")
	if got != "--config q.yaml --poll=250ms" {
		t.Fatalf("childArgs = %q", got)
	}
}
