package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/executor"
)

const stderrInReason = 200

type Outcome struct {
	Success  bool
	ExitCode int
	Reason   string
	Stdout   string
	Stderr   string
}

// Execute runs the job command and folds every way it can go wrong into a
// failure Outcome; it never returns an error.
func Execute(ctx context.Context, r executor.Runner, j *domain.Job, timeout time.Duration) Outcome {
	res := r.Run(ctx, j.Command, timeout)
	out := Outcome{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	switch {
	case res.Err != nil:
		out.Reason = "exception:" + res.Err.Error()
	case res.ExitCode != 0:
		out.Reason = fmt.Sprintf("exit_code=%d stderr=%s", res.ExitCode, truncate(res.Stderr, stderrInReason))
	default:
		out.Success = true
	}
	return out
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
