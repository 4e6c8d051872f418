package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rcstack/workitems"
	"github.com/rcstack/workitems/driver"
)

type cmdRecover struct {
	TimeoutMinutes int       `long:"timeout-minutes" description:"Override the configured orphan timeout"`
	Log            LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdRecover) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx = context.Background()
	base, err := workitems.FromEnv()
	if err != nil {
		return err
	}
	adapter, err := driver.Open(ctx, base)
	if err != nil {
		return err
	}
	defer adapter.Close()

	recovered, err := adapter.RecoverOrphanedWorkItems(ctx,
		time.Duration(cmd.TimeoutMinutes)*time.Minute)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"queue": base.QueueName,
		"count": len(recovered),
	}).Info("orphan recovery complete")
	for _, itemID := range recovered {
		fmt.Println(itemID)
	}
	return nil
}
