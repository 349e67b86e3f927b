package config

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// Apply configures the default charmbracelet logger.
func (c LoggingConfig) Apply() error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Level, err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	switch c.Format {
	case "", "text":
		log.SetFormatter(log.TextFormatter)
	case "json":
		log.SetFormatter(log.JSONFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	default:
		return fmt.Errorf("invalid logging.format %q", c.Format)
	}
	return nil
}
