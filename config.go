package workitems

import (
	"time"

	"github.com/jessevdk/go-flags"
)

// Config is the backend-agnostic adapter configuration. Connection settings
// live with each driver; this struct carries the policy every backend shares.
type Config struct {
	Adapter              string `long:"adapter" env:"RC_WORKITEM_ADAPTER" description:"Adapter selector (sqlite, redis, docdb)"`
	QueueName            string `long:"queue" env:"RC_WORKITEM_QUEUE_NAME" default:"default" description:"Logical input queue name"`
	FilesDir             string `long:"files-dir" env:"RC_WORKITEM_FILES_DIR" default:"devdata/work_item_files" description:"Directory for file attachments stored outside the backend"`
	OrphanTimeoutMinutes int    `long:"orphan-timeout-minutes" env:"RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES" default:"30" description:"Minutes before a RESERVED item is considered orphaned"`
	FileSizeThreshold    int64  `long:"file-size-threshold" env:"RC_WORKITEM_FILE_SIZE_THRESHOLD" default:"1000000" description:"Inline vs external file storage threshold in bytes"`
}

// OutputQueueName is the derived output queue for this configuration.
func (c Config) OutputQueueName() string {
	return OutputQueue(c.QueueName)
}

// OrphanTimeout is the configured orphan cutoff as a Duration.
func (c Config) OrphanTimeout() time.Duration {
	if c.OrphanTimeoutMinutes <= 0 {
		return DefaultOrphanTimeout
	}
	return time.Duration(c.OrphanTimeoutMinutes) * time.Minute
}

// Threshold is the effective inline-vs-external file storage threshold.
func (c Config) Threshold() int64 {
	if c.FileSizeThreshold <= 0 {
		return DefaultFileSizeThreshold
	}
	return c.FileSizeThreshold
}

// FromEnv builds a Config from environment variables and declared defaults.
func FromEnv() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv fills a go-flags tagged struct from environment variables and
// declared defaults, ignoring command-line arguments entirely. Driver
// packages use it for their connection config structs.
func ParseEnv(cfg interface{}) error {
	var _, err = flags.NewParser(cfg, flags.IgnoreUnknown).ParseArgs(nil)
	return err
}
