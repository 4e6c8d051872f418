package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/rcstack/workitems"
	"github.com/rcstack/workitems/driver"
)

type cmdSeed struct {
	Payload     string    `long:"payload" description:"Work item payload as a JSON document"`
	PayloadFile string    `long:"payload-file" description:"Read the payload from a JSON file instead"`
	Parent      string    `long:"parent" description:"Parent work item id"`
	CallID      string    `long:"callid" description:"Idempotency key; a repeated callid is rejected where the backend supports it"`
	Files       []string  `long:"file" description:"File to attach, repeatable"`
	Log         LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdSeed) Execute(_ []string) error {
	initLog(cmd.Log)

	var payload = cmd.Payload
	if cmd.PayloadFile != "" {
		content, err := os.ReadFile(cmd.PayloadFile)
		if err != nil {
			return fmt.Errorf("reading payload file: %w", err)
		}
		payload = string(content)
	}

	var seed = workitems.Seed{
		Payload:  json.RawMessage(payload),
		ParentID: cmd.Parent,
		CallID:   cmd.CallID,
	}
	for _, path := range cmd.Files {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading attachment %s: %w", path, err)
		}
		seed.Files = append(seed.Files, workitems.SeedFile{
			Name:    filepath.Base(path),
			Content: content,
		})
	}

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

	itemID, err := adapter.SeedInput(ctx, seed)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"item":  itemID,
		"queue": base.QueueName,
		"files": len(seed.Files),
	}).Info("seeded work item")
	fmt.Println(itemID)
	return nil
}
