package config

const (
	defaultStagingDir = "~/.local/share/safegate/staging"
	defaultDataDir    = "~/.local/share/safegate"
	defaultLogDir     = "~/.local/share/safegate/logs"
	defaultStatusFile = "~/.local/share/safegate/status.json"

	defaultMonitorStrategy = "udev"
	defaultPollInterval    = 2
	defaultSettleSeconds   = 1

	defaultScannerBinary      = "clamscan"
	defaultScanMaxFileSizeMB  = 512
	defaultScanTimeoutSeconds = 300

	defaultArchiveMaxSizeMB = 2048

	defaultRemoteTimeoutSeconds = 120
	defaultSMTPPort             = 587
	defaultEmailTimeoutSeconds  = 30
	defaultSenderName           = "Safegate"

	defaultRetentionDays      = 7
	defaultCheckIntervalHours = 6
	defaultOrphanGraceMinutes = 60
	defaultMaxDeleteAttempts  = 5

	defaultQueueCapacity            = 16
	defaultStageRetryAttempts       = 2
	defaultStageRetryBackoffSeconds = 5
	defaultShutdownGraceSeconds     = 30
	defaultRestartBackoffSeconds    = 10

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			StatusFile: defaultStatusFile,
		},
		Monitor: Monitor{
			Strategy:        defaultMonitorStrategy,
			PollInterval:    defaultPollInterval,
			SettleSeconds:   defaultSettleSeconds,
			FallbackPolling: true,
		},
		Scanner: Scanner{
			Binary:          defaultScannerBinary,
			MaxFileSizeMB:   defaultScanMaxFileSizeMB,
			ExcludePatterns: []string{".*", "System Volume Information", "$RECYCLE.BIN"},
			TimeoutSeconds:  defaultScanTimeoutSeconds,
		},
		Archive: Archive{
			MaxSizeMB: defaultArchiveMaxSizeMB,
		},
		Remote: Remote{
			UploadPath:     "safegate-uploads",
			TimeoutSeconds: defaultRemoteTimeoutSeconds,
		},
		Email: Email{
			SMTPPort:       defaultSMTPPort,
			SenderName:     defaultSenderName,
			TimeoutSeconds: defaultEmailTimeoutSeconds,
		},
		Cleanup: Cleanup{
			RetentionDays:      defaultRetentionDays,
			CheckIntervalHours: defaultCheckIntervalHours,
			OrphanGraceMinutes: defaultOrphanGraceMinutes,
			MaxDeleteAttempts:  defaultMaxDeleteAttempts,
		},
		Workflow: Workflow{
			QueueCapacity:            defaultQueueCapacity,
			StageRetryAttempts:       defaultStageRetryAttempts,
			StageRetryBackoffSeconds: defaultStageRetryBackoffSeconds,
			ShutdownGraceSeconds:     defaultShutdownGraceSeconds,
			RestartBackoffSeconds:    defaultRestartBackoffSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
