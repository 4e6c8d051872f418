// Package driver opens a configured work-item adapter by selector name.
package driver

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rcstack/workitems"
	"github.com/rcstack/workitems/driver/docdb"
	"github.com/rcstack/workitems/driver/redis"
	"github.com/rcstack/workitems/driver/sqlite"
)

// normalize maps an adapter selector onto a canonical backend name.
// Substring matching keeps legacy dotted class-path selectors working.
func normalize(selector string) (string, error) {
	var s = strings.ToLower(selector)
	switch {
	case s == "" || strings.Contains(s, "sqlite") || strings.Contains(s, "file"):
		return "sqlite", nil
	case strings.Contains(s, "redis"):
		return "redis", nil
	case strings.Contains(s, "docdb") || strings.Contains(s, "documentdb") || strings.Contains(s, "mongo"):
		return "docdb", nil
	}
	return "", fmt.Errorf("%w: unknown adapter selector %q", workitems.ErrInvalidArgument, selector)
}

// Open resolves base.Adapter to a backend, loads that backend's connection
// configuration from the environment, and returns a connected adapter.
func Open(ctx context.Context, base workitems.Config) (workitems.Adapter, error) {
	name, err := normalize(base.Adapter)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"adapter": name,
		"queue":   base.QueueName,
	}).Info("opening work-item adapter")

	switch name {
	case "sqlite":
		var cfg sqlite.Config
		if err := workitems.ParseEnv(&cfg); err != nil {
			return nil, err
		}
		return sqlite.New(cfg, base)
	case "redis":
		var cfg redis.Config
		if err := workitems.ParseEnv(&cfg); err != nil {
			return nil, err
		}
		return redis.New(ctx, cfg, base)
	case "docdb":
		var cfg docdb.Config
		if err := workitems.ParseEnv(&cfg); err != nil {
			return nil, err
		}
		return docdb.New(ctx, cfg, base)
	}
	panic("not reached")
}
