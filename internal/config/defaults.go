package config

const (
	defaultDataDir              = "~/.emworker"
	defaultLogDir               = "~/.emworker/logs"
	defaultCoordinatorURL       = "http://127.0.0.1:5000"
	defaultRequestTimeout       = 30
	defaultPollTimeout          = 120
	defaultTaskSleep            = 10
	defaultEventRetryWait       = 10
	defaultFramesReportInterval = 30
	defaultQuietWindow          = 60
	defaultBatchSize            = 32
	defaultCopyRetries          = 30
	defaultRsyncBinary          = "rsync"
	defaultIdleStopDays         = 3
	defaultFirstFileStopDays    = 5
	defaultSentinelFile         = "ScreeningSession.dm"
	defaultGainPattern          = "*gain*.mrc"
	defaultLaunchThreshold      = 16
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

func defaultMoviePatterns() []string {
	return []string{"*_fractions.tiff", "*_fractions.mrc", "*_EER.eer"}
}

func defaultMetadataExtensions() []string {
	return []string{".xml", ".dm", ".jpg"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Coordinator: Coordinator{
			URL:            defaultCoordinatorURL,
			RequestTimeout: defaultRequestTimeout,
			PollTimeout:    defaultPollTimeout,
		},
		Worker: Worker{
			TaskSleep:            defaultTaskSleep,
			EventRetryWait:       defaultEventRetryWait,
			FramesReportInterval: defaultFramesReportInterval,
		},
		Acquisition: Acquisition{
			MoviePatterns:      defaultMoviePatterns(),
			MetadataExtensions: defaultMetadataExtensions(),
			GainPattern:        defaultGainPattern,
		},
		Transfer: Transfer{
			QuietWindow:       defaultQuietWindow,
			BatchSize:         defaultBatchSize,
			CopyRetries:       defaultCopyRetries,
			RsyncBinary:       defaultRsyncBinary,
			IdleStopDays:      defaultIdleStopDays,
			FirstFileStopDays: defaultFirstFileStopDays,
			SentinelFile:      defaultSentinelFile,
		},
		OTF: OTF{
			LaunchThreshold: defaultLaunchThreshold,
			Workflows:       map[string]WorkflowConfig{},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
