// Package docdb implements the work-item adapter over a MongoDB-compatible
// document store (DocumentDB). Each queue maps to a {queue}_work_items
// collection; attachments use hybrid storage with a {queue}_files GridFS
// bucket for content above the inline threshold.
package docdb

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/rcstack/workitems"
)

const adapterName = "docdb"

// Config is the DocumentDB connection configuration. A full URI is preferred;
// otherwise the connection is assembled from the hostname, credentials, and
// replica set parts.
type Config struct {
	URI        string `long:"uri" env:"DOCDB_URI" description:"Full connection URI, preferred over the individual parts"`
	Hostname   string `long:"hostname" env:"DOCDB_HOSTNAME" description:"Cluster endpoint when no URI is given"`
	Port       int    `long:"port" env:"DOCDB_PORT" default:"27017" description:"DocumentDB port"`
	Username   string `long:"username" env:"DOCDB_USERNAME" description:"Database username"`
	Password   string `long:"password" env:"DOCDB_PASSWORD" description:"Database password"`
	Database   string `long:"database" env:"DOCDB_DATABASE" default:"workitems" description:"Database name"`
	TLSCert    string `long:"tls-cert" env:"DOCDB_TLS_CERT" description:"TLS certificate bundle path, required for AWS DocumentDB"`
	ReplicaSet string `long:"replica-set" env:"DOCDB_REPLICA_SET" description:"Replica set name"`
}

// timestamps is the lifecycle timestamp subdocument.
type timestamps struct {
	CreatedAt  time.Time  `bson:"created_at"`
	ReservedAt *time.Time `bson:"reserved_at,omitempty"`
	ReleasedAt *time.Time `bson:"released_at,omitempty"`
}

// fileEntry is one attachment. Exactly one of Inline and BlobID is set.
type fileEntry struct {
	Name    string              `bson:"name"`
	Size    int64               `bson:"size"`
	Inline  primitive.Binary    `bson:"inline,omitempty"`
	BlobID  *primitive.ObjectID `bson:"blob_id,omitempty"`
	AddedAt time.Time           `bson:"added_at"`
}

// workItemDoc is the collection document for one work item.
type workItemDoc struct {
	ItemID     string               `bson:"item_id"`
	QueueName  string               `bson:"queue_name"`
	ParentID   string               `bson:"parent_id,omitempty"`
	Payload    interface{}          `bson:"payload"`
	State      workitems.State      `bson:"state"`
	CallID     string               `bson:"callid,omitempty"`
	Exception  *workitems.Exception `bson:"exception,omitempty"`
	Files      []fileEntry          `bson:"files"`
	Timestamps timestamps           `bson:"timestamps"`
	ExpiresAt  time.Time            `bson:"expires_at"`
}

// Adapter is a work-item adapter backed by a document store.
type Adapter struct {
	client        *mongo.Client
	db            *mongo.Database
	input         *mongo.Collection
	output        *mongo.Collection
	bucket        *gridfs.Bucket
	queue         string
	outputQueue   string
	threshold     int64
	orphanTimeout time.Duration
}

// ClientOptions builds the connection options for cfg. A URI is applied
// as-is; otherwise the hostname, credentials, and replica set assemble the
// connection. DocumentDB requires retryable writes disabled; reads prefer
// the primary but tolerate replicas.
func ClientOptions(cfg Config) (*options.ClientOptions, error) {
	var opts = options.Client().
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetMinPoolSize(5).
		SetMaxPoolSize(50).
		SetRetryWrites(false).
		SetReadPreference(readpref.PrimaryPreferred())

	if cfg.URI != "" {
		opts.ApplyURI(cfg.URI)
	} else {
		if cfg.Hostname == "" {
			return nil, fmt.Errorf("%w: DOCDB_URI or DOCDB_HOSTNAME is required", workitems.ErrInvalidArgument)
		}
		opts.ApplyURI(fmt.Sprintf("mongodb://%s/", net.JoinHostPort(cfg.Hostname, fmt.Sprint(cfg.Port))))
		if cfg.Username != "" {
			opts.SetAuth(options.Credential{
				Username: cfg.Username,
				Password: cfg.Password,
			})
		}
		if cfg.ReplicaSet != "" {
			opts.SetReplicaSet(cfg.ReplicaSet)
		}
	}

	if cfg.TLSCert != "" {
		pem, err := os.ReadFile(cfg.TLSCert)
		if err != nil {
			return nil, fmt.Errorf("reading certificate bundle: %w", err)
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCert)
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool})
	}
	return opts, nil
}

// New connects to the document store, verifies the connection, and ensures
// the indexes on both queue collections.
func New(ctx context.Context, cfg Config, base workitems.Config) (*Adapter, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to docdb: %w", err)
	}
	if err := client.Ping(ctx, readpref.PrimaryPreferred()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging docdb: %w", err)
	}

	var db = client.Database(cfg.Database)
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(base.QueueName+"_files"))
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	var a = &Adapter{
		client:        client,
		db:            db,
		input:         db.Collection(base.QueueName + "_work_items"),
		output:        db.Collection(base.OutputQueueName() + "_work_items"),
		bucket:        bucket,
		queue:         base.QueueName,
		outputQueue:   base.OutputQueueName(),
		threshold:     base.Threshold(),
		orphanTimeout: base.OrphanTimeout(),
	}

	for _, coll := range []*mongo.Collection{a.input, a.output} {
		if err := ensureIndexes(ctx, coll); err != nil {
			client.Disconnect(ctx)
			return nil, fmt.Errorf("ensuring indexes on %s: %w", coll.Name(), err)
		}
	}

	var fields = log.Fields{
		"database":    cfg.Database,
		"queue":       a.queue,
		"tls":         cfg.TLSCert != "",
		"replica_set": cfg.ReplicaSet,
	}
	if cfg.URI == "" {
		fields["host"] = cfg.Hostname
		fields["port"] = cfg.Port
	}
	log.WithFields(fields).Info("docdb adapter initialized")
	return a, nil
}

func ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	var _, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "queue_name", Value: 1},
				{Key: "state", Value: 1},
				{Key: "timestamps.created_at", Value: 1},
			},
		},
		{
			Keys:    bson.D{{Key: "item_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "callid", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "timestamps.reserved_at", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

// Close disconnects the client.
func (a *Adapter) Close() error {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

// translate maps driver errors onto the shared taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", op, workitems.ErrDuplicateCallID)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return workitems.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// encodePayload converts raw JSON into a value the BSON codec can store.
func encodePayload(payload json.RawMessage) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", workitems.ErrInvalidArgument, err)
	}
	return v, nil
}

// decodePayload converts a stored BSON payload value back into raw JSON. The
// value is wrapped in a single-field document so scalars and nulls survive
// the extended-JSON round trip.
func decodePayload(v interface{}) (json.RawMessage, error) {
	wrapped, err := bson.MarshalExtJSON(bson.M{"p": v}, false, false)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(wrapped, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return fields["p"], nil
}

// ReserveInput atomically claims the oldest PENDING item via a single
// findAndModify, which the server serializes across concurrent consumers.
func (a *Adapter) ReserveInput(ctx context.Context) (string, error) {
	var itemID string
	var err = workitems.WithRetry("reserve_input", func() error {
		var reservedAt = time.Now().UTC()
		var res = a.input.FindOneAndUpdate(ctx,
			bson.M{"queue_name": a.queue, "state": workitems.StatePending},
			bson.M{"$set": bson.M{
				"state":                  workitems.StateReserved,
				"timestamps.reserved_at": reservedAt,
			}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "timestamps.created_at", Value: 1}}).
				SetReturnDocument(options.After).
				SetProjection(bson.M{"item_id": 1}),
		)
		var doc struct {
			ItemID string `bson:"item_id"`
		}
		if err := res.Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("%w: queue %q", workitems.ErrEmptyQueue, a.queue)
			}
			return translate("reserve_input", err)
		}
		itemID = doc.ItemID
		return nil
	})
	if err != nil {
		return "", err
	}

	workitems.ReservedTotal.WithLabelValues(adapterName, a.queue).Inc()
	log.WithFields(log.Fields{"item": itemID, "queue": a.queue}).Info("reserved input work item")
	return itemID, nil
}

// ReleaseInput moves an item to its terminal state, stamping released_at and
// persisting the exception on failure. Unknown ids log a warning and succeed.
func (a *Adapter) ReleaseInput(ctx context.Context, itemID string, state workitems.State, exc *workitems.Exception) error {
	if err := workitems.ValidateRelease(state, exc); err != nil {
		return err
	}

	var err = workitems.WithRetry("release_input", func() error {
		var set = bson.M{
			"state":                  state,
			"timestamps.released_at": time.Now().UTC(),
		}
		if exc != nil {
			set["exception"] = exc
		}
		res, err := a.input.UpdateOne(ctx, bson.M{"item_id": itemID}, bson.M{
			"$set":   set,
			"$unset": bson.M{"timestamps.reserved_at": ""},
		})
		if err != nil {
			return translate("release_input", err)
		}
		if res.MatchedCount == 0 {
			log.WithFields(log.Fields{"item": itemID, "queue": a.queue}).
				Warn("release of unknown work item ignored")
		}
		return nil
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

// CreateOutput inserts a new PENDING item into the output queue collection.
func (a *Adapter) CreateOutput(ctx context.Context, parentID string, payload json.RawMessage) (string, error) {
	payload, err := workitems.NormalizePayload(payload)
	if err != nil {
		return "", err
	}
	return a.insert(ctx, a.output, a.outputQueue, parentID, payload, "")
}

// SeedInput inserts a new PENDING item into the input queue collection. A
// non-empty CallID is deduplicated by the sparse unique index: a second seed
// with the same callid fails with ErrDuplicateCallID.
func (a *Adapter) SeedInput(ctx context.Context, seed workitems.Seed) (string, error) {
	payload, err := workitems.NormalizePayload(seed.Payload)
	if err != nil {
		return "", err
	}
	itemID, err := a.insert(ctx, a.input, a.queue, seed.ParentID, payload, seed.CallID)
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

func (a *Adapter) insert(ctx context.Context, coll *mongo.Collection, queue, parentID string, payload json.RawMessage, callID string) (string, error) {
	value, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	var now = time.Now().UTC()
	var doc = workItemDoc{
		ItemID:     uuid.NewString(),
		QueueName:  queue,
		ParentID:   parentID,
		Payload:    value,
		State:      workitems.StatePending,
		CallID:     callID,
		Files:      []fileEntry{},
		Timestamps: timestamps{CreatedAt: now},
		ExpiresAt:  now.Add(workitems.ItemTTL),
	}

	err = workitems.WithRetry("create_work_item", func() error {
		var _, err = coll.InsertOne(ctx, doc)
		return translate("create_work_item", err)
	})
	if err != nil {
		return "", err
	}

	workitems.CreatedTotal.WithLabelValues(adapterName, queue).Inc()
	log.WithFields(log.Fields{"item": doc.ItemID, "queue": queue}).Info("created work item")
	return doc.ItemID, nil
}

// findItem locates itemID in the input collection first, then the output
// collection.
func (a *Adapter) findItem(ctx context.Context, itemID string, projection bson.M) (*mongo.Collection, *workItemDoc, error) {
	for _, coll := range []*mongo.Collection{a.input, a.output} {
		var opts = options.FindOne()
		if projection != nil {
			opts.SetProjection(projection)
		}
		var doc workItemDoc
		var err = coll.FindOne(ctx, bson.M{"item_id": itemID}, opts).Decode(&doc)
		if err == nil {
			return coll, &doc, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, translate("find_work_item", err)
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", workitems.ErrNotFound, itemID)
}

// LoadPayload returns the item's payload as JSON.
func (a *Adapter) LoadPayload(ctx context.Context, itemID string) (json.RawMessage, error) {
	var payload json.RawMessage
	var err = workitems.WithRetry("load_payload", func() error {
		_, doc, err := a.findItem(ctx, itemID, bson.M{"payload": 1})
		if err != nil {
			return err
		}
		payload, err = decodePayload(doc.Payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SavePayload overwrites the item's payload.
func (a *Adapter) SavePayload(ctx context.Context, itemID string, payload json.RawMessage) error {
	payload, err := workitems.NormalizePayload(payload)
	if err != nil {
		return err
	}
	value, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return workitems.WithRetry("save_payload", func() error {
		coll, _, err := a.findItem(ctx, itemID, bson.M{"item_id": 1})
		if err != nil {
			return err
		}
		_, err = coll.UpdateOne(ctx,
			bson.M{"item_id": itemID},
			bson.M{"$set": bson.M{"payload": value}})
		return translate("save_payload", err)
	})
}

// ListFiles returns the item's attachment names.
func (a *Adapter) ListFiles(ctx context.Context, itemID string) ([]string, error) {
	var names []string
	var err = workitems.WithRetry("list_files", func() error {
		_, doc, err := a.findItem(ctx, itemID, bson.M{"files.name": 1})
		if err != nil {
			return err
		}
		names = names[:0]
		for _, f := range doc.Files {
			names = append(names, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// GetFile reads an attachment, streaming from GridFS when the content was
// stored externally.
func (a *Adapter) GetFile(ctx context.Context, itemID, name string) ([]byte, error) {
	var content []byte
	var err = workitems.WithRetry("get_file", func() error {
		_, doc, err := a.findItem(ctx, itemID, bson.M{"files": 1})
		if err != nil {
			return err
		}
		for _, f := range doc.Files {
			if f.Name != name {
				continue
			}
			if f.BlobID == nil {
				content = f.Inline.Data
				return nil
			}
			var buf bytes.Buffer
			if _, err := a.bucket.DownloadToStream(*f.BlobID, &buf); err != nil {
				if errors.Is(err, gridfs.ErrFileNotFound) {
					return fmt.Errorf("%w: blob %s missing from bucket", workitems.ErrFileNotFound, f.BlobID.Hex())
				}
				return translate("get_file", err)
			}
			content = buf.Bytes()
			return nil
		}
		return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileNotFound, name, itemID)
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// AddFile attaches a file. The metadata entry is appended with a guarded
// update that matches only when no entry with that name exists, so duplicate
// names are rejected atomically; GridFS content is uploaded first and
// deleted again if the claim loses.
func (a *Adapter) AddFile(ctx context.Context, itemID, name string, content []byte) error {
	if err := workitems.ValidateFilename(name); err != nil {
		return err
	}
	if err := workitems.ValidateFileSize(int64(len(content))); err != nil {
		return err
	}

	return workitems.WithRetry("add_file", func() error {
		coll, _, err := a.findItem(ctx, itemID, bson.M{"item_id": 1})
		if err != nil {
			return err
		}

		var entry = fileEntry{
			Name:    name,
			Size:    int64(len(content)),
			AddedAt: time.Now().UTC(),
		}
		var external = int64(len(content)) > a.threshold
		if external {
			blobID, err := a.bucket.UploadFromStream(
				fmt.Sprintf("%s/%s", itemID, name), bytes.NewReader(content))
			if err != nil {
				return translate("add_file", err)
			}
			entry.BlobID = &blobID
		} else {
			entry.Inline = primitive.Binary{Data: content}
		}

		res, err := coll.UpdateOne(ctx,
			bson.M{"item_id": itemID, "files.name": bson.M{"$ne": name}},
			bson.M{"$push": bson.M{"files": entry}})
		if err != nil {
			if entry.BlobID != nil {
				a.bucket.Delete(*entry.BlobID)
			}
			return translate("add_file", err)
		}
		if res.MatchedCount == 0 {
			if entry.BlobID != nil {
				a.bucket.Delete(*entry.BlobID)
			}
			return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileExists, name, itemID)
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

// RemoveFile detaches a file and deletes its GridFS blob when present.
func (a *Adapter) RemoveFile(ctx context.Context, itemID, name string) error {
	return workitems.WithRetry("remove_file", func() error {
		coll, doc, err := a.findItem(ctx, itemID, bson.M{"files": 1})
		if err != nil {
			return err
		}

		var blobID *primitive.ObjectID
		var found bool
		for _, f := range doc.Files {
			if f.Name == name {
				found, blobID = true, f.BlobID
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s (work item %s)", workitems.ErrFileNotFound, name, itemID)
		}

		if _, err := coll.UpdateOne(ctx,
			bson.M{"item_id": itemID},
			bson.M{"$pull": bson.M{"files": bson.M{"name": name}}}); err != nil {
			return translate("remove_file", err)
		}
		if blobID != nil {
			if err := a.bucket.Delete(*blobID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
				return translate("remove_file", err)
			}
		}
		return nil
	})
}

// RecoverOrphanedWorkItems returns RESERVED input items whose reservation
// predates the cutoff to PENDING, one guarded findAndModify at a time so
// concurrent recoverers never double-count an item.
func (a *Adapter) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = a.orphanTimeout
	}
	var cutoff = time.Now().UTC().Add(-timeout)

	// recovered accumulates across retry attempts: an item flipped before a
	// transient failure no longer matches the filter, so a rescan would
	// silently drop it from the result.
	var recovered []string
	var err = workitems.WithRetry("recover_orphaned_work_items", func() error {
		for {
			var res = a.input.FindOneAndUpdate(ctx,
				bson.M{
					"queue_name":             a.queue,
					"state":                  workitems.StateReserved,
					"timestamps.reserved_at": bson.M{"$lt": cutoff},
				},
				bson.M{
					"$set":   bson.M{"state": workitems.StatePending},
					"$unset": bson.M{"timestamps.reserved_at": ""},
				},
				options.FindOneAndUpdate().SetProjection(bson.M{"item_id": 1}),
			)
			var doc struct {
				ItemID string `bson:"item_id"`
			}
			if err := res.Decode(&doc); err != nil {
				if errors.Is(err, mongo.ErrNoDocuments) {
					return nil
				}
				return translate("recover_orphaned_work_items", err)
			}
			recovered = append(recovered, doc.ItemID)
		}
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
