package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conductor/pkg/api"
)

// MongoExecutionStore is an ExecutionStore backed by MongoDB. Executions are
// stored as JSON payloads next to the fields used for filtering; leases live
// in their own collection.
type MongoExecutionStore struct {
	executions *mongo.Collection
	leases     *mongo.Collection
	clock      clockwork.Clock
	timeout    time.Duration
}

var _ ExecutionStore = (*MongoExecutionStore)(nil)

// NewMongoExecutionStore creates a Mongo-backed execution store.
// dbName defaults to "conductor" if empty.
func NewMongoExecutionStore(client *mongo.Client, dbName string) *MongoExecutionStore {
	if dbName == "" {
		dbName = "conductor"
	}
	db := client.Database(dbName)
	return &MongoExecutionStore{
		executions: db.Collection("executions"),
		leases:     db.Collection("execution_leases"),
		clock:      clockwork.NewRealClock(),
		timeout:    5 * time.Second,
	}
}

type mongoExecutionDoc struct {
	ID        string `bson:"_id"`
	Namespace string `bson:"namespace"`
	FlowID    string `bson:"flow_id"`
	State     string `bson:"state"`
	CreatedAt int64  `bson:"created_at"`
	Payload   string `bson:"payload"`
}

type mongoLeaseDoc struct {
	ID        string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expires_at"`
}

func (s *MongoExecutionStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := EncodeExecution(exec)
	if err != nil {
		return err
	}
	doc := mongoExecutionDoc{
		ID:        exec.ID,
		Namespace: exec.Namespace,
		FlowID:    exec.FlowID,
		State:     string(exec.State.Current()),
		CreatedAt: unixNano(exec.State.StartDate()),
		Payload:   string(payload),
	}
	_, err = s.executions.ReplaceOne(ctx, bson.M{"_id": exec.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoExecutionDoc
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return DecodeExecution([]byte(doc.Payload))
}

func (s *MongoExecutionStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	bfilter := bson.M{}
	if filter.Namespace != "" {
		bfilter["namespace"] = filter.Namespace
	}
	if filter.FlowID != "" {
		bfilter["flow_id"] = filter.FlowID
	}
	if filter.State != "" {
		bfilter["state"] = string(filter.State)
	}

	cur, err := s.executions.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Execution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := DecodeExecution([]byte(doc.Payload))
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoExecutionStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.clock.Now()
	filter := bson.M{
		"_id": executionID,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl).UnixNano()}}
	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The lease exists and belongs to someone else.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoExecutionStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.clock.Now()
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": executionID, "owner": owner, "expires_at": bson.M{"$gt": now.UnixNano()}},
		bson.M{"$set": bson.M{"expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrExecutionLocked
	}
	return nil
}

func (s *MongoExecutionStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": executionID, "owner": owner})
	return err
}

// lease returns the stored lease, for tests.
func (s *MongoExecutionStore) lease(ctx context.Context, executionID string) (mongoLeaseDoc, error) {
	var doc mongoLeaseDoc
	err := s.leases.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	return doc, err
}
