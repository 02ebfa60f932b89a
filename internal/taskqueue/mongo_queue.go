package taskqueue

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	queue_groups:   { _id: "<topic>/<group>", topic, group }
//	queue_messages: { _id: ObjectID, topic, group, part, msg_id, key,
//	                  payload, enqueued_at }
//
// Enqueue writes one document per registered group; consumers poll their
// partition in enqueue order and delete each document once handled.
type MongoQueue struct {
	groups   *mongo.Collection
	messages *mongo.Collection
	cfg      Config
	batch    int64
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "conductor".
func NewMongoQueue(client *mongo.Client, dbName string, cfg Config) *MongoQueue {
	if dbName == "" {
		dbName = "conductor"
	}
	db := client.Database(dbName)
	return &MongoQueue{
		groups:   db.Collection("queue_groups"),
		messages: db.Collection("queue_messages"),
		cfg:      cfg.withDefaults(),
		batch:    64,
	}
}

type mongoGroupDoc struct {
	ID    string `bson:"_id"`
	Topic string `bson:"topic"`
	Group string `bson:"group"`
}

type mongoMessageDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Topic      string             `bson:"topic"`
	Group      string             `bson:"group"`
	Part       int                `bson:"part"`
	MsgID      string             `bson:"msg_id"`
	Key        string             `bson:"key"`
	Payload    []byte             `bson:"payload"`
	EnqueuedAt int64              `bson:"enqueued_at"`
}

// Enqueue inserts a document per registered group of the topic.
func (q *MongoQueue) Enqueue(ctx context.Context, msg Message) error {
	msg = prepare(msg, time.Now())

	cur, err := q.groups.Find(ctx, bson.M{"topic": msg.Topic})
	if err != nil {
		return err
	}
	var groups []mongoGroupDoc
	if err := cur.All(ctx, &groups); err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	part := Partition(msg.Key, q.cfg.Partitions)
	docs := make([]any, 0, len(groups))
	for _, g := range groups {
		docs = append(docs, mongoMessageDoc{
			Topic:      msg.Topic,
			Group:      g.Group,
			Part:       part,
			MsgID:      msg.ID,
			Key:        msg.Key,
			Payload:    msg.Payload,
			EnqueuedAt: msg.EnqueuedAt.UnixNano(),
		})
	}
	_, err = q.messages.InsertMany(ctx, docs)
	return err
}

func (q *MongoQueue) Register(ctx context.Context, topic, group string) error {
	_, err := q.groups.UpdateOne(ctx,
		bson.M{"_id": topic + "/" + group},
		bson.M{"$setOnInsert": mongoGroupDoc{ID: topic + "/" + group, Topic: topic, Group: group}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Consume polls the group's documents until ctx is cancelled.
func (q *MongoQueue) Consume(ctx context.Context, topic, group string, h Handler) error {
	if err := q.Register(ctx, topic, group); err != nil {
		return err
	}
	runPartitions(ctx, q.cfg.Partitions, func(ctx context.Context, part int) {
		// Use a reusable timer to avoid allocating a new timer on every idle poll.
		tmr := time.NewTimer(0)
		if !tmr.Stop() {
			<-tmr.C
		}
		defer tmr.Stop()

		for ctx.Err() == nil {
			docs, err := q.fetch(ctx, topic, group, part)
			if err != nil && ctx.Err() == nil {
				q.cfg.Logger.Sugar().Warnf("poll %s/%s partition %d: %v", topic, group, part, err)
			}
			for _, d := range docs {
				msg := Message{
					ID:         d.MsgID,
					Topic:      d.Topic,
					Key:        d.Key,
					Payload:    d.Payload,
					EnqueuedAt: time.Unix(0, d.EnqueuedAt).UTC(),
				}
				if !deliver(ctx, q.cfg, group, h, msg) {
					return
				}
				if _, err := q.messages.DeleteOne(ctx, bson.M{"_id": d.ID}); err != nil {
					q.cfg.Logger.Sugar().Warnf("ack %s/%s message %s: %v", topic, group, d.MsgID, err)
					break
				}
			}
			if len(docs) > 0 {
				continue
			}
			tmr.Reset(q.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-tmr.C:
			}
		}
	})
	return nil
}

func (q *MongoQueue) fetch(ctx context.Context, topic, group string, part int) ([]mongoMessageDoc, error) {
	cur, err := q.messages.Find(ctx,
		bson.M{"topic": topic, "group": group, "part": part},
		options.Find().
			SetSort(bson.D{{Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(q.batch),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoMessageDoc
	err = cur.All(ctx, &docs)
	return docs, err
}

// Len returns an approximate number of messages not yet handled by group.
func (q *MongoQueue) Len(ctx context.Context, topic, group string) (int, error) {
	n, err := q.messages.CountDocuments(ctx, bson.M{"topic": topic, "group": group})
	return int(n), err
}

// Close is a no-op; the client belongs to the caller.
func (q *MongoQueue) Close() error { return nil }
