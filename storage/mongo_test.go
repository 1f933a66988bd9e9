package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"xandindexer/models"
)

func mockStore(mt *mtest.T) *MongoStore {
	return &MongoStore{
		client: mt.Client,
		db:     mt.DB,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestMongoNodeHistory(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ns := mtest.TestDb + "." + CollectionNodeSnapshots

	mt.Run("summary", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: nil},
			{Key: "samples", Value: int64(4)},
			{Key: "online", Value: int64(2)},
			{Key: "measured", Value: int64(2)},
			{Key: "latency", Value: 50.0},
			{Key: "success", Value: 75.0},
		}))

		since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		h, err := mockStore(mt).NodeHistory(context.Background(), "pk1", since)
		require.NoError(mt, err)
		assert.Equal(mt, NodeHistorySummary{Samples: 4, OnlineSamples: 2, MeasuredSamples: 2, AvgLatencyMs: 50, AvgSuccessRate: 75}, h)
		assert.InDelta(mt, 50, h.UptimePercent(), 0.001)

		started := mt.GetStartedEvent()
		require.NotNil(mt, started)
		assert.Equal(mt, "aggregate", started.CommandName)
		assert.Equal(mt, CollectionNodeSnapshots, started.Command.Lookup("aggregate").StringValue())
		assert.Equal(mt, "pk1", started.Command.Lookup("pipeline", "0", "$match", "node_id").StringValue())
	})

	mt.Run("only estimated samples", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: nil},
			{Key: "samples", Value: int64(3)},
			{Key: "online", Value: int64(3)},
			{Key: "measured", Value: int64(0)},
			{Key: "latency", Value: nil},
			{Key: "success", Value: nil},
		}))

		h, err := mockStore(mt).NodeHistory(context.Background(), "pk1", time.Now())
		require.NoError(mt, err)
		assert.Equal(mt, 3, h.Samples)
		assert.Zero(mt, h.MeasuredSamples)
		assert.Zero(mt, h.AvgLatencyMs)
		assert.Zero(mt, h.AvgSuccessRate)
	})

	mt.Run("no snapshots", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		h, err := mockStore(mt).NodeHistory(context.Background(), "nobody", time.Now())
		require.NoError(mt, err)
		assert.Zero(mt, h.Samples)
	})

	mt.Run("server error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad pipeline"}))

		_, err := mockStore(mt).NodeHistory(context.Background(), "pk1", time.Now())
		assert.ErrorContains(mt, err, "node history pk1")
	})
}

func TestMongoUpsertEpochSnapshot(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upserts by epoch", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := mockStore(mt).UpsertEpochSnapshot(context.Background(), &models.EpochSnapshot{Epoch: 42, AbsoluteSlot: 200})
		require.NoError(mt, err)

		started := mt.GetStartedEvent()
		require.NotNil(mt, started)
		assert.Equal(mt, "update", started.CommandName)
		assert.Equal(mt, CollectionEpochs, started.Command.Lookup("update").StringValue())
		assert.True(mt, started.Command.Lookup("updates", "0", "upsert").Boolean())
		assert.EqualValues(mt, 42, started.Command.Lookup("updates", "0", "q", "_id").AsInt64())
		assert.EqualValues(mt, 200, started.Command.Lookup("updates", "0", "u", "absolute_slot").AsInt64())
	})

	mt.Run("write error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}))

		err := mockStore(mt).UpsertEpochSnapshot(context.Background(), &models.EpochSnapshot{Epoch: 42})
		assert.ErrorContains(mt, err, "upsert epoch 42")
	})
}

func TestMongoUpsertNodeKeepsFirstSeen(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("first_seen only on insert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		now := time.Now().UTC()

		err := mockStore(mt).UpsertNode(context.Background(), &models.NodeRecord{
			ID: "pk1", Pubkey: "pk1", Address: "1.2.3.4:9001", FirstSeen: now, LastSeen: now,
		})
		require.NoError(mt, err)

		cmd := mt.GetStartedEvent().Command
		assert.Equal(mt, "pk1", cmd.Lookup("updates", "0", "q", "_id").StringValue())
		_, err = cmd.LookupErr("updates", "0", "u", "$setOnInsert", "first_seen")
		assert.NoError(mt, err)
		_, err = cmd.LookupErr("updates", "0", "u", "$set", "first_seen")
		assert.Error(mt, err)
	})
}

func TestMongoLatestNetworkSnapshotNotFound(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("empty collection", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mtest.TestDb+"."+CollectionNetworkSnapshots, mtest.FirstBatch))

		_, err := mockStore(mt).LatestNetworkSnapshot(context.Background())
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}
