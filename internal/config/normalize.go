package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnvOverrides()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCoordinator()
	c.normalizeWorker()
	c.normalizeAcquisition()
	c.normalizeTransfer()
	c.normalizeOTF()
	c.normalizeLogging()
	return nil
}

func (c *Config) applyEnvOverrides() {
	if value, ok := os.LookupEnv("EMHUB_SERVER_URL"); ok && strings.TrimSpace(value) != "" {
		c.Coordinator.URL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("EMHUB_USER"); ok && strings.TrimSpace(value) != "" {
		c.Coordinator.Username = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("EMHUB_PASSWORD"); ok && value != "" {
		c.Coordinator.Password = value
	}
	if value, ok := os.LookupEnv("SESSIONS_DATA_FOLDER"); ok && strings.TrimSpace(value) != "" {
		c.Paths.DataDir = strings.TrimSpace(value)
		c.Paths.LogDir = ""
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = c.Paths.DataDir + "/logs"
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.FramesRoot, err = expandPath(c.Paths.FramesRoot); err != nil {
		return fmt.Errorf("paths.frames_root: %w", err)
	}
	if c.Paths.RawRoot, err = expandPath(c.Paths.RawRoot); err != nil {
		return fmt.Errorf("paths.raw_root: %w", err)
	}
	if c.Paths.OTFRoot, err = expandPath(c.Paths.OTFRoot); err != nil {
		return fmt.Errorf("paths.otf_root: %w", err)
	}
	if c.Paths.GainsDir, err = expandPath(c.Paths.GainsDir); err != nil {
		return fmt.Errorf("paths.gains_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCoordinator() {
	c.Coordinator.URL = strings.TrimRight(strings.TrimSpace(c.Coordinator.URL), "/")
	if c.Coordinator.URL == "" {
		c.Coordinator.URL = defaultCoordinatorURL
	}
	c.Coordinator.Username = strings.TrimSpace(c.Coordinator.Username)
	if c.Coordinator.RequestTimeout <= 0 {
		c.Coordinator.RequestTimeout = defaultRequestTimeout
	}
	if c.Coordinator.PollTimeout <= 0 {
		c.Coordinator.PollTimeout = defaultPollTimeout
	}
}

func (c *Config) normalizeWorker() {
	c.Worker.Name = strings.TrimSpace(c.Worker.Name)
	if c.Worker.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Worker.Name = host
		}
	}
	if c.Worker.TaskSleep <= 0 {
		c.Worker.TaskSleep = defaultTaskSleep
	}
	if c.Worker.EventRetryWait <= 0 {
		c.Worker.EventRetryWait = defaultEventRetryWait
	}
	if c.Worker.FramesReportInterval <= 0 {
		c.Worker.FramesReportInterval = defaultFramesReportInterval
	}
}

func (c *Config) normalizeAcquisition() {
	if len(c.Acquisition.MoviePatterns) == 0 {
		c.Acquisition.MoviePatterns = defaultMoviePatterns()
	}
	if len(c.Acquisition.MetadataExtensions) == 0 {
		c.Acquisition.MetadataExtensions = defaultMetadataExtensions()
	}
	normalized := make([]string, 0, len(c.Acquisition.MetadataExtensions))
	for _, ext := range c.Acquisition.MetadataExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	c.Acquisition.MetadataExtensions = normalized
	if strings.TrimSpace(c.Acquisition.GainPattern) == "" {
		c.Acquisition.GainPattern = defaultGainPattern
	}
}

func (c *Config) normalizeTransfer() {
	if c.Transfer.QuietWindow <= 0 {
		c.Transfer.QuietWindow = defaultQuietWindow
	}
	if c.Transfer.BatchSize <= 0 {
		c.Transfer.BatchSize = defaultBatchSize
	}
	if c.Transfer.CopyRetries <= 0 {
		c.Transfer.CopyRetries = defaultCopyRetries
	}
	if strings.TrimSpace(c.Transfer.RsyncBinary) == "" {
		c.Transfer.RsyncBinary = defaultRsyncBinary
	}
	if c.Transfer.IdleStopDays <= 0 {
		c.Transfer.IdleStopDays = defaultIdleStopDays
	}
	if c.Transfer.FirstFileStopDays <= 0 {
		c.Transfer.FirstFileStopDays = defaultFirstFileStopDays
	}
	if strings.TrimSpace(c.Transfer.SentinelFile) == "" {
		c.Transfer.SentinelFile = defaultSentinelFile
	}
}

func (c *Config) normalizeOTF() {
	if c.OTF.LaunchThreshold <= 0 {
		c.OTF.LaunchThreshold = defaultLaunchThreshold
	}
	if c.OTF.Workflows == nil {
		c.OTF.Workflows = map[string]WorkflowConfig{}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
