// Package redis implements the work-item adapter over a Redis server for
// horizontally scaled deployments. Queue membership lives in lists and sets
// keyed by queue name, item metadata lives in per-id hashes with a 7-day
// TTL, and attachments use hybrid storage: small files inline as base64,
// large files on the filesystem behind a file:// reference.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/rcstack/workitems"
)

const (
	adapterName = "redis"

	// queueCacheSize bounds the per-id queue resolution cache.
	queueCacheSize = 4096
)

// Config is the Redis connection configuration.
type Config struct {
	Host           string `long:"host" env:"REDIS_HOST" default:"localhost" description:"Redis server hostname"`
	Port           int    `long:"port" env:"REDIS_PORT" default:"6379" description:"Redis server port"`
	DB             int    `long:"db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	Password       string `long:"password" env:"REDIS_PASSWORD" description:"Redis password"`
	MaxConnections int    `long:"max-connections" env:"REDIS_MAX_CONNECTIONS" default:"50" description:"Connection pool size"`
}

// Adapter is a work-item adapter backed by Redis.
//
// Key layout, all namespaced by queue:
//
//	{q}:pending          list  FIFO queue: LPUSH on create, RPOPLPUSH to reserve
//	{q}:processing       list  currently RESERVED ids
//	{q}:done, {q}:failed set   terminal ids
//	{q}:payload:{id}     hash  payload JSON, queue_name, state
//	{q}:files:{id}       hash  filename -> base64 inline or file:// reference
//	{q}:timestamps:{id}  hash  created_at, reserved_at, released_at
//	{q}:exception:{id}   hash  type, code, message (24h TTL)
//	{q}:state:{id}       str   terminal state marker
//	{q}:parent:{id}      str   parent id
//	origin_queue:{id}    str   hint for queue resolution (7d TTL)
type Adapter struct {
	rdb           *goredis.Client
	queue         string
	outputQueue   string
	filesDir      string
	threshold     int64
	orphanTimeout time.Duration

	// queueOf caches id -> owning queue resolutions.
	queueOf *lru.Cache[string, string]
}

// New connects to Redis, verifies the connection with a ping, and returns a
// ready adapter.
func New(ctx context.Context, cfg Config, base workitems.Config) (*Adapter, error) {
	if err := os.MkdirAll(base.FilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating files directory: %w", err)
	}

	var rdb = goredis.NewClient(&goredis.Options{
		Addr:        net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.MaxConnections,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	cache, err := lru.New[string, string](queueCacheSize)
	if err != nil {
		return nil, err
	}

	var a = &Adapter{
		rdb:           rdb,
		queue:         base.QueueName,
		outputQueue:   base.OutputQueueName(),
		filesDir:      base.FilesDir,
		threshold:     base.Threshold(),
		orphanTimeout: base.OrphanTimeout(),
		queueOf:       cache,
	}

	log.WithFields(log.Fields{
		"host":  cfg.Host,
		"port":  cfg.Port,
		"db":    cfg.DB,
		"queue": a.queue,
		"pool":  cfg.MaxConnections,
	}).Info("redis adapter initialized")
	return a, nil
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	return a.rdb.Close()
}

func key(queue, suffix string) string {
	return queue + ":" + suffix
}

func itemKey(queue, suffix, itemID string) string {
	return queue + ":" + suffix + ":" + itemID
}

func originKey(itemID string) string {
	return "origin_queue:" + itemID
}

// translate maps client errors onto the shared taxonomy. Connection-level
// failures become transient; pool starvation surfaces as ErrPoolExhausted.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.ErrClosed):
		return workitems.Transient(op, err)
	case strings.Contains(err.Error(), "connection pool timeout"):
		return fmt.Errorf("%s: %w: %v", op, workitems.ErrPoolExhausted, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return workitems.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ReserveInput atomically moves the oldest pending id into the processing
// list. RPOPLPUSH serializes concurrent reservations server-side.
func (a *Adapter) ReserveInput(ctx context.Context) (string, error) {
	var itemID string
	var err = workitems.WithRetry("reserve_input", func() error {
		id, err := a.rdb.RPopLPush(ctx, key(a.queue, "pending"), key(a.queue, "processing")).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("%w: queue %q", workitems.ErrEmptyQueue, a.queue)
			}
			return translate("reserve_input", err)
		}
		itemID = id

		if err := a.rdb.HSet(ctx, itemKey(a.queue, "timestamps", itemID), "reserved_at", now()).Err(); err != nil {
			return translate("reserve_input", err)
		}
		if err := a.rdb.HSet(ctx, itemKey(a.queue, "payload", itemID), "state", string(workitems.StateReserved)).Err(); err != nil {
			return translate("reserve_input", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	workitems.ReservedTotal.WithLabelValues(adapterName, a.queue).Inc()
	log.WithFields(log.Fields{"item": itemID, "queue": a.queue}).Info("reserved input work item")
	return itemID, nil
}

// ReleaseInput moves an item out of the processing list into its terminal
// set, stamps released_at, and persists the exception with a bounded TTL on
// failure. Releasing an unknown id logs a warning and succeeds.
func (a *Adapter) ReleaseInput(ctx context.Context, itemID string, state workitems.State, exc *workitems.Exception) error {
	if err := workitems.ValidateRelease(state, exc); err != nil {
		return err
	}

	var err = workitems.WithRetry("release_input", func() error {
		exists, err := a.rdb.HExists(ctx, itemKey(a.queue, "payload", itemID), "payload").Result()
		if err != nil {
			return translate("release_input", err)
		}
		if !exists {
			log.WithFields(log.Fields{"item": itemID, "queue": a.queue}).
				Warn("release of unknown work item ignored")
			return nil
		}

		if err := a.rdb.LRem(ctx, key(a.queue, "processing"), 0, itemID).Err(); err != nil {
			return translate("release_input", err)
		}

		var terminalSet = key(a.queue, "done")
		if state == workitems.StateFailed {
			terminalSet = key(a.queue, "failed")
		}
		if err := a.rdb.SAdd(ctx, terminalSet, itemID).Err(); err != nil {
			return translate("release_input", err)
		}

		if state == workitems.StateFailed {
			var excKey = itemKey(a.queue, "exception", itemID)
			if err := a.rdb.HSet(ctx, excKey,
				"type", exc.Type, "code", exc.Code, "message", exc.Message).Err(); err != nil {
				return translate("release_input", err)
			}
			if err := a.rdb.Expire(ctx, excKey, workitems.ExceptionTTL).Err(); err != nil {
				return translate("release_input", err)
			}
		}

		var tsKey = itemKey(a.queue, "timestamps", itemID)
		if err := a.rdb.HDel(ctx, tsKey, "reserved_at").Err(); err != nil {
			return translate("release_input", err)
		}
		if err := a.rdb.HSet(ctx, tsKey, "released_at", now()).Err(); err != nil {
			return translate("release_input", err)
		}
		if err := a.rdb.Set(ctx, itemKey(a.queue, "state", itemID), string(state), workitems.ItemTTL).Err(); err != nil {
			return translate("release_input", err)
		}
		return a.rdb.HSet(ctx, itemKey(a.queue, "payload", itemID), "state", string(state)).Err()
	})
	if err != nil {
		return err
	}

	workitems.ReleasedTotal.WithLabelValues(adapterName, a.queue, string(state)).Inc()
	var entry = log.WithFields(log.Fields{"item": itemID, "queue": a.queue, "state": state})
	if state == workitems.StateFailed {
		entry.WithField("exception", exc.Message).Error("released failed work item")
	} else {
		entry.Info("released work item")
	}
	return nil
}

// CreateOutput inserts a new PENDING item into the output queue and records
// the origin-queue hint so later lookups can find it.
func (a *Adapter) CreateOutput(ctx context.Context, parentID string, payload json.RawMessage) (string, error) {
	payload, err := workitems.NormalizePayload(payload)
	if err != nil {
		return "", err
	}
	return a.insert(ctx, a.outputQueue, parentID, payload, true)
}

// SeedInput inserts a new PENDING item into the input queue and attaches any
// seed files. Redis has no unique constraint to enforce callid with.
func (a *Adapter) SeedInput(ctx context.Context, seed workitems.Seed) (string, error) {
	payload, err := workitems.NormalizePayload(seed.Payload)
	if err != nil {
		return "", err
	}
	if seed.CallID != "" {
		log.WithField("callid", seed.CallID).Debug("redis backend does not enforce callid uniqueness")
	}

	itemID, err := a.insert(ctx, a.queue, seed.ParentID, payload, false)
	if err != nil {
		return "", err
	}
	for _, f := range seed.Files {
		if err := a.AddFile(ctx, itemID, f.Name, f.Content); err != nil {
			return "", err
		}
	}
	return itemID, nil
}

func (a *Adapter) insert(ctx context.Context, queue, parentID string, payload json.RawMessage, writeOrigin bool) (string, error) {
	var itemID = uuid.NewString()

	var err = workitems.WithRetry("create_work_item", func() error {
		var payloadKey = itemKey(queue, "payload", itemID)
		if err := a.rdb.HSet(ctx, payloadKey,
			"payload", string(payload),
			"queue_name", queue,
			"state", string(workitems.StatePending)).Err(); err != nil {
			return translate("create_work_item", err)
		}
		if err := a.rdb.Expire(ctx, payloadKey, workitems.ItemTTL).Err(); err != nil {
			return translate("create_work_item", err)
		}

		if parentID != "" {
			if err := a.rdb.Set(ctx, itemKey(queue, "parent", itemID), parentID, workitems.ItemTTL).Err(); err != nil {
				return translate("create_work_item", err)
			}
		}

		var tsKey = itemKey(queue, "timestamps", itemID)
		if err := a.rdb.HSet(ctx, tsKey, "created_at", now()).Err(); err != nil {
			return translate("create_work_item", err)
		}
		if err := a.rdb.Expire(ctx, tsKey, workitems.ItemTTL).Err(); err != nil {
			return translate("create_work_item", err)
		}

		if err := a.rdb.LPush(ctx, key(queue, "pending"), itemID).Err(); err != nil {
			return translate("create_work_item", err)
		}

		if writeOrigin {
			if err := a.rdb.Set(ctx, originKey(itemID), queue, workitems.ItemTTL).Err(); err != nil {
				return translate("create_work_item", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	a.queueOf.Add(itemID, queue)
	workitems.CreatedTotal.WithLabelValues(adapterName, queue).Inc()
	log.WithFields(log.Fields{"item": itemID, "queue": queue}).Info("created work item")
	return itemID, nil
}

// resolveQueue locates the queue owning itemID: the cache first, then the
// input queue, then the origin-queue hint, then the output queue.
func (a *Adapter) resolveQueue(ctx context.Context, itemID string) (string, error) {
	if queue, ok := a.queueOf.Get(itemID); ok {
		return queue, nil
	}

	var probe = func(queue string) (bool, error) {
		ok, err := a.rdb.HExists(ctx, itemKey(queue, "payload", itemID), "payload").Result()
		if err != nil {
			return false, translate("resolve_queue", err)
		}
		return ok, nil
	}

	if ok, err := probe(a.queue); err != nil {
		return "", err
	} else if ok {
		a.queueOf.Add(itemID, a.queue)
		return a.queue, nil
	}

	// The origin key is a hint, not authority: verify before trusting it.
	origin, err := a.rdb.Get(ctx, originKey(itemID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", translate("resolve_queue", err)
	}
	if origin != "" && origin != a.queue {
		if ok, err := probe(origin); err != nil {
			return "", err
		} else if ok {
			a.queueOf.Add(itemID, origin)
			return origin, nil
		}
	}

	if ok, err := probe(a.outputQueue); err != nil {
		return "", err
	} else if ok {
		a.queueOf.Add(itemID, a.outputQueue)
		return a.outputQueue, nil
	}

	return "", fmt.Errorf("%w: %s", workitems.ErrNotFound, itemID)
}

// LoadPayload returns the item's JSON payload.
func (a *Adapter) LoadPayload(ctx context.Context, itemID string) (json.RawMessage, error) {
	var payload json.RawMessage
	var err = workitems.WithRetry("load_payload", func() error {
		queue, err := a.resolveQueue(ctx, itemID)
		if err != nil {
			return err
		}
		raw, err := a.rdb.HGet(ctx, itemKey(queue, "payload", itemID), "payload").Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("%w: %s", workitems.ErrNotFound, itemID)
			}
			return translate("load_payload", err)
		}
		payload = json.RawMessage(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SavePayload overwrites the item's JSON payload and refreshes its TTL.
func (a *Adapter) SavePayload(ctx context.Context, itemID string, payload json.RawMessage) error {
	payload, err := workitems.NormalizePayload(payload)
	if err != nil {
		return err
	}
	return workitems.WithRetry("save_payload", func() error {
		queue, err := a.resolveQueue(ctx, itemID)
		if err != nil {
			return err
		}
		var payloadKey = itemKey(queue, "payload", itemID)
		if err := a.rdb.HSet(ctx, payloadKey, "payload", string(payload)).Err(); err != nil {
			return translate("save_payload", err)
		}
		return translate("save_payload", a.rdb.Expire(ctx, payloadKey, workitems.ItemTTL).Err())
	})
}

// ListFiles returns the item's attachment names.
func (a *Adapter) ListFiles(ctx context.Context, itemID string) ([]string, error) {
	var names []string
	var err = workitems.WithRetry("list_files", func() error {
		queue, err := a.resolveQueue(ctx, itemID)
		if err != nil {
			return err
		}
		names, err = a.rdb.HKeys(ctx, itemKey(queue, "files", itemID)).Result()
		if err != nil {
			return translate("list_files", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// GetFile reads an attachment, transparently following file:// references
// for content stored on the filesystem.
func (a *Adapter) GetFile(ctx context.Context, itemID, name string) ([]byte, error) {
	var ref string
	var err = workitems.WithRetry("get_file", func() error {
		queue, err := a.resolveQueue(ctx, itemID)
		if err != nil {
			return err
		}
		ref, err = a.rdb.HGet(ctx, itemKey(queue, "files", itemID), name).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileNotFound, name, itemID)
			}
			return translate("get_file", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if path, ok := strings.CutPrefix(ref, "file://"); ok {
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s missing from filesystem", workitems.ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("get_file: %w", err)
		}
		return content, nil
	}

	content, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("get_file: decoding inline content of %s: %w", name, err)
	}
	return content, nil
}

// AddFile attaches a file. The files-hash field is claimed with HSETNX
// before any blob write, so duplicate names are rejected atomically against
// the metadata store.
func (a *Adapter) AddFile(ctx context.Context, itemID, name string, content []byte) error {
	if err := workitems.ValidateFilename(name); err != nil {
		return err
	}
	if err := workitems.ValidateFileSize(int64(len(content))); err != nil {
		return err
	}

	var external = int64(len(content)) > a.threshold
	var path = filepath.Join(a.filesDir, itemID, name)

	return workitems.WithRetry("add_file", func() error {
		queue, err := a.resolveQueue(ctx, itemID)
		if err != nil {
			return err
		}
		var filesKey = itemKey(queue, "files", itemID)

		var value string
		if external {
			value = "file://" + path
		} else {
			value = base64.StdEncoding.EncodeToString(content)
		}

		claimed, err := a.rdb.HSetNX(ctx, filesKey, name, value).Result()
		if err != nil {
			return translate("add_file", err)
		}
		if !claimed {
			return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileExists, name, itemID)
		}

		if external {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
				err = os.WriteFile(path, content, 0o644)
			}
			if err != nil {
				a.rdb.HDel(ctx, filesKey, name)
				return fmt.Errorf("add_file: writing %s: %w", path, err)
			}
		}

		if err := a.rdb.Expire(ctx, filesKey, workitems.ItemTTL).Err(); err != nil {
			return translate("add_file", err)
		}

		log.WithFields(log.Fields{
			"item":     itemID,
			"file":     name,
			"bytes":    len(content),
			"external": external,
		}).Info("added work item file")
		return nil
	})
}

// RemoveFile detaches a file and deletes its blob when stored externally.
func (a *Adapter) RemoveFile(ctx context.Context, itemID, name string) error {
	return workitems.WithRetry("remove_file", func() error {
		queue, err := a.resolveQueue(ctx, itemID)
		if err != nil {
			return err
		}
		var filesKey = itemKey(queue, "files", itemID)

		ref, err := a.rdb.HGet(ctx, filesKey, name).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileNotFound, name, itemID)
			}
			return translate("remove_file", err)
		}

		if path, ok := strings.CutPrefix(ref, "file://"); ok {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove_file: deleting %s: %w", path, err)
			}
		}
		return translate("remove_file", a.rdb.HDel(ctx, filesKey, name).Err())
	})
}

// RecoverOrphanedWorkItems scans the processing list and returns items whose
// reserved_at predates the cutoff to the pending list.
func (a *Adapter) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = a.orphanTimeout
	}
	var cutoff = time.Now().UTC().Add(-timeout)

	// recovered accumulates across retry attempts: an item already moved back
	// to pending is gone from the processing list, so a rescan would silently
	// drop it from the result.
	var recovered []string
	var err = workitems.WithRetry("recover_orphaned_work_items", func() error {
		processing, err := a.rdb.LRange(ctx, key(a.queue, "processing"), 0, -1).Result()
		if err != nil {
			return translate("recover_orphaned_work_items", err)
		}

		for _, itemID := range processing {
			raw, err := a.rdb.HGet(ctx, itemKey(a.queue, "timestamps", itemID), "reserved_at").Result()
			if err != nil {
				if errors.Is(err, goredis.Nil) {
					continue
				}
				return translate("recover_orphaned_work_items", err)
			}
			reservedAt, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				log.WithFields(log.Fields{"item": itemID, "reserved_at": raw}).
					Warn("unparseable reserved_at, skipping")
				continue
			}
			if !reservedAt.Before(cutoff) {
				continue
			}

			if err := a.rdb.LRem(ctx, key(a.queue, "processing"), 0, itemID).Err(); err != nil {
				return translate("recover_orphaned_work_items", err)
			}
			if err := a.rdb.LPush(ctx, key(a.queue, "pending"), itemID).Err(); err != nil {
				return translate("recover_orphaned_work_items", err)
			}
			if err := a.rdb.HDel(ctx, itemKey(a.queue, "timestamps", itemID), "reserved_at").Err(); err != nil {
				return translate("recover_orphaned_work_items", err)
			}
			if err := a.rdb.HSet(ctx, itemKey(a.queue, "payload", itemID),
				"state", string(workitems.StatePending)).Err(); err != nil {
				return translate("recover_orphaned_work_items", err)
			}
			recovered = append(recovered, itemID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(recovered) > 0 {
		workitems.RecoveredTotal.WithLabelValues(adapterName, a.queue).Add(float64(len(recovered)))
		log.WithFields(log.Fields{
			"count":   len(recovered),
			"timeout": timeout,
			"items":   recovered,
		}).Warn("recovered orphaned work items")
	}
	return recovered, nil
}
