package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for the worker host.
type Paths struct {
	// DataDir holds worker-local state: logs, the state database, and the
	// daemon socket. Overridden by SESSIONS_DATA_FOLDER.
	DataDir string `toml:"data_dir"`
	// FramesRoot is the top of the acquisition frames tree on this host.
	FramesRoot string `toml:"frames_root"`
	// RawRoot is the durable storage root that offloaded sessions land in.
	RawRoot string `toml:"raw_root"`
	// OTFRoot is where on-the-fly processing projects are created.
	OTFRoot string `toml:"otf_root"`
	// GainsDir is the shared gain-reference repository.
	GainsDir string `toml:"gains_dir"`
	LogDir   string `toml:"log_dir"`
}

// Coordinator contains connection settings for the central coordinator.
type Coordinator struct {
	URL            string `toml:"url"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	RequestTimeout int    `toml:"request_timeout"`
	// PollTimeout bounds the get_new_tasks long poll, in seconds.
	PollTimeout int `toml:"poll_timeout"`
}

// Worker contains identity and loop timing settings.
type Worker struct {
	// Name identifies this worker to the coordinator. Defaults to the
	// hostname.
	Name string `toml:"name"`
	// TaskSleep is the default pause between handler iterations, seconds.
	TaskSleep int `toml:"task_sleep"`
	// EventRetryWait is the pause between update_task retries, seconds.
	EventRetryWait int `toml:"event_retry_wait"`
	// FramesReportInterval paces the frames monitor reports, seconds.
	FramesReportInterval int `toml:"frames_report_interval"`
}

// Acquisition describes the file naming conventions of the acquisition
// software.
type Acquisition struct {
	// MoviePatterns are filename globs that identify movie files. Real
	// deployments add detector-specific patterns here.
	MoviePatterns []string `toml:"movie_patterns"`
	// MetadataExtensions are treated as metadata sidecars (copied, never
	// moved).
	MetadataExtensions []string `toml:"metadata_extensions"`
	// GainPattern locates the gain reference near the raw data.
	GainPattern string `toml:"gain_pattern"`
}

// Transfer contains offloader behavior settings.
type Transfer struct {
	// QuietWindow is how long a file's mtime must hold still before it is
	// considered complete, in seconds.
	QuietWindow int `toml:"quiet_window"`
	// BatchSize is the number of newly handled files that triggers a
	// progress event.
	BatchSize   int    `toml:"batch_size"`
	CopyRetries int    `toml:"copy_retries"`
	RsyncBinary string `toml:"rsync_binary"`
	// IdleStopDays ends the transfer once the newest movie and the newest
	// frames-folder file are both older than this many days.
	IdleStopDays int `toml:"idle_stop_days"`
	// FirstFileStopDays ends the transfer once the oldest movie is older
	// than this many days, covering sessions that never produced data.
	FirstFileStopDays int    `toml:"first_file_stop_days"`
	SentinelFile      string `toml:"sentinel_file"`
}

// WorkflowConfig describes one processing engine available for OTF runs.
type WorkflowConfig struct {
	// Command launches the pipeline. {otf_path} and {session_id} are
	// substituted at launch time.
	Command string `toml:"command"`
	// Options seed the engine options file; {placeholders} are substituted
	// from the session acquisition record.
	Options map[string]string `toml:"options"`
}

// OTF contains processing-launch settings.
type OTF struct {
	// LaunchThreshold is the movie count that triggers project creation.
	LaunchThreshold int                       `toml:"launch_threshold"`
	Workflows       map[string]WorkflowConfig `toml:"workflows"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for emworker.
type Config struct {
	Paths       Paths       `toml:"paths"`
	Coordinator Coordinator `toml:"coordinator"`
	Worker      Worker      `toml:"worker"`
	Acquisition Acquisition `toml:"acquisition"`
	Transfer    Transfer    `toml:"transfer"`
	OTF         OTF         `toml:"otf"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/emworker/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and environment overrides applied.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("emworker.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon needs at startup.
// RawRoot and OTFRoot are created best-effort so the daemon can start while
// remote storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, dir := range []string{c.Paths.RawRoot, c.Paths.OTFRoot} {
		if strings.TrimSpace(dir) != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	return nil
}

// StatePath returns the location of the worker state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.Paths.DataDir, "worker.db")
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "emworkerd.sock")
}

// TaskLogPath returns the per-task log file location.
func (c *Config) TaskLogPath(name string, id int64) string {
	return filepath.Join(c.Paths.LogDir, fmt.Sprintf("task-%s-%d.log", name, id))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
