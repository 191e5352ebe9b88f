package supervision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"peerhost/services/hostos"
)

// Task Scheduler rejects restart intervals below one minute.
const minTaskRestartInterval = time.Minute

// TaskScheduler registers a Windows scheduled task that starts at logon and
// is restarted by the scheduler when it fails.
type TaskScheduler struct {
	runner hostos.Runner
}

func NewTaskScheduler(runner hostos.Runner) *TaskScheduler {
	return &TaskScheduler{runner: runner}
}

func (t *TaskScheduler) Registered(ctx context.Context, name string) (bool, error) {
	out, err := t.runner.Run(ctx, "schtasks.exe", "/Query", "/TN", name)
	if err == nil {
		return true, nil
	}
	if hostos.ExitCode(err) == 1 || strings.Contains(string(out), "cannot find") {
		return false, nil
	}
	return false, err
}

func (t *TaskScheduler) EnsureAutoStart(ctx context.Context, unit Unit) (Result, error) {
	return ensureAutoStart(ctx, t, unit)
}

func (t *TaskScheduler) register(ctx context.Context, unit Unit) error {
	_, err := t.runner.Run(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", registerTaskScript(unit))
	return err
}

func registerTaskScript(unit Unit) string {
	interval := unit.Policy.RestartInterval
	if interval < minTaskRestartInterval {
		interval = minTaskRestartInterval
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$action = New-ScheduledTaskAction -Execute %s", psQuote(unit.Executable))
	if len(unit.Args) > 0 {
		fmt.Fprintf(&b, " -Argument %s", psQuote(joinArgs(unit.Args)))
	}
	b.WriteString("; $trigger = New-ScheduledTaskTrigger -AtLogOn")
	fmt.Fprintf(&b, "; $settings = New-ScheduledTaskSettingsSet -RestartCount %d -RestartInterval (New-TimeSpan -Seconds %d)",
		unit.Policy.MaxRestarts, int(interval.Seconds()))
	b.WriteString(" -ExecutionTimeLimit (New-TimeSpan -Seconds 0) -AllowStartIfOnBatteries -DontStopIfGoingOnBatteries")
	fmt.Fprintf(&b, "; Register-ScheduledTask -TaskName %s -Action $action -Trigger $trigger -Settings $settings -RunLevel Highest", psQuote(unit.Name))
	if unit.Description != "" {
		fmt.Fprintf(&b, " -Description %s", psQuote(unit.Description))
	}
	b.WriteString(" -Force | Out-Null")
	return b.String()
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// joinArgs renders arguments as a Windows command line tail.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\"") {
			quoted[i] = `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
		} else {
			quoted[i] = arg
		}
	}
	return strings.Join(quoted, " ")
}
