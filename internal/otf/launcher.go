package otf

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"emworker/internal/logging"
	"emworker/internal/services"
)

// LaunchThresholdDefault is the movie count that triggers project creation
// when the configuration does not override it.
const LaunchThresholdDefault = 16

// Launcher owns one external pipeline process rooted at the OTF path. The
// process is placed in its own group so the stop sequence can reach every
// child.
type Launcher struct {
	command   string
	otfPath   string
	sessionID int64
	logger    *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  bool
	exitErr error
}

// NewLauncher prepares a launcher for the configured command. {otf_path} and
// {session_id} placeholders in the command are substituted at start time.
func NewLauncher(command, otfPath string, sessionID int64, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Launcher{
		command:   command,
		otfPath:   otfPath,
		sessionID: sessionID,
		logger:    logger,
	}
}

// Start spawns the pipeline with the OTF path as working directory. Output
// goes to otf.log inside the project so it survives worker restarts.
func (l *Launcher) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		return nil
	}

	command := strings.ReplaceAll(l.command, "{otf_path}", l.otfPath)
	command = strings.ReplaceAll(command, "{session_id}", strconv.FormatInt(l.sessionID, 10))
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return services.Wrap(services.ErrConfiguration, "otf", "launch", "empty pipeline command", nil)
	}

	logFile, err := os.OpenFile(filepath.Join(l.otfPath, "otf.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return services.Wrap(services.ErrTransient, "otf", "launch", "open pipeline log", err)
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = l.otfPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return services.Wrap(services.ErrConfiguration, "otf", "launch", "start pipeline "+parts[0], err)
	}
	l.cmd = cmd
	l.logger.Info("pipeline started",
		logging.String("command", parts[0]),
		logging.Int("pid", cmd.Process.Pid))

	go func() {
		waitErr := cmd.Wait()
		logFile.Close()
		l.mu.Lock()
		l.exited = true
		l.exitErr = waitErr
		l.mu.Unlock()
	}()
	return nil
}

// Alive reports whether the pipeline process is still running.
func (l *Launcher) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil && !l.exited
}

// ExitState reports whether the pipeline has exited and with what error.
func (l *Launcher) ExitState() (exited bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited, l.exitErr
}

// Stop terminates the pipeline's process group and any other process whose
// working directory sits under the OTF path.
func (l *Launcher) Stop() {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Negative pid signals the whole group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	stopped := TerminateByWorkingDir(l.otfPath)
	if len(stopped) > 0 {
		l.logger.Info("terminated stray pipeline processes",
			logging.Int("count", len(stopped)))
	}
}
