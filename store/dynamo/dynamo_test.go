package dynamo

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
)

func TestMarshalRoundTrip(t *testing.T) {
	sb := &pool.Sandbox{
		SandboxID:        "5f0c3f9a-3a60-4f4e-9d11-0a9ad6f1c001",
		ExternalID:       "ext-eng-1",
		Name:             "eng-sandbox-1",
		Status:           pool.StatusAllocated,
		AllocatedToTrack: "track-abc",
		AllocatedAt:      1700000100,
		ExpiresAt:        1700014500,
		LastSeenAt:       1700000000,
		Version:          3,
	}

	item, err := attributevalue.MarshalMap(sb)
	require.NoError(t, err)

	// allocated_at is the index range key and must always be present,
	// even at zero; allocated_to_track drops out when empty.
	idle := &pool.Sandbox{
		SandboxID:  "id-2",
		ExternalID: "ext-2",
		Name:       "sb-2",
		Status:     pool.StatusAvailable,
		LastSeenAt: 1700000000,
		Version:    1,
	}
	idleItem, err := attributevalue.MarshalMap(idle)
	require.NoError(t, err)
	assert.Contains(t, idleItem, "allocated_at")
	assert.NotContains(t, idleItem, "allocated_to_track")

	got, err := unmarshalItem(item)
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestUpdateExprAllocation(t *testing.T) {
	patch := store.Patch{
		ExpectStatus:     store.Ptr(pool.StatusAvailable),
		Status:           store.Ptr(pool.StatusAllocated),
		AllocatedToTrack: store.Ptr("track-1"),
		AllocatedAt:      store.Ptr(int64(1700000100)),
		ExpiresAt:        store.Ptr(int64(1700014500)),
	}

	expr := newUpdateExpr(4, patch)

	assert.Contains(t, expr.update, "#version = :newver")
	assert.Contains(t, expr.update, "#status = :status")
	assert.Contains(t, expr.update, "allocated_to_track = :track")
	assert.NotContains(t, expr.update, "REMOVE")

	assert.Equal(t, "attribute_exists(sandbox_id) AND #version = :ver AND #status = :expstatus", expr.condition)
	assert.Equal(t, "version", expr.names["#version"])
	assert.Equal(t, "status", expr.names["#status"])

	assert.Equal(t, numberAttr(4), expr.values[":ver"])
	assert.Equal(t, numberAttr(5), expr.values[":newver"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "available"}, expr.values[":expstatus"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "allocated"}, expr.values[":status"])
}

func TestUpdateExprReleaseRemovesTrack(t *testing.T) {
	patch := store.Patch{
		ExpectStatus:     store.Ptr(pool.StatusAllocated),
		Status:           store.Ptr(pool.StatusAvailable),
		AllocatedToTrack: store.Ptr(""),
		AllocatedAt:      store.Ptr(int64(0)),
		ExpiresAt:        store.Ptr(int64(0)),
	}

	expr := newUpdateExpr(2, patch)

	assert.Contains(t, expr.update, "REMOVE allocated_to_track")
	assert.NotContains(t, expr.update, ":track")
	assert.Contains(t, expr.update, "allocated_at = :aat")
	assert.Equal(t, numberAttr(0), expr.values[":aat"])
}

func TestUpdateExprFieldRefreshKeepsPlainCondition(t *testing.T) {
	patch := store.Patch{
		Name:       store.Ptr("renamed"),
		LastSeenAt: store.Ptr(int64(1700000500)),
	}

	expr := newUpdateExpr(7, patch)

	assert.Equal(t, "attribute_exists(sandbox_id) AND #version = :ver", expr.condition)
	assert.Contains(t, expr.update, "#name = :name")
	assert.Contains(t, expr.update, "last_seen_at = :seen")
	assert.NotContains(t, expr.names, "#status")
}

func TestCursorRoundTrip(t *testing.T) {
	aat := int64(1700000100)
	lastKey := map[string]types.AttributeValue{
		"sandbox_id":   &types.AttributeValueMemberS{Value: "sb-1"},
		"status":       &types.AttributeValueMemberS{Value: "available"},
		"allocated_at": numberAttr(aat),
	}

	cursor, err := encodeCursor(lastKey)
	require.NoError(t, err)
	require.NotEmpty(t, cursor)

	key, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, lastKey, key)

	// Table-scan cursors only carry the primary key.
	plain, err := encodeCursor(map[string]types.AttributeValue{
		"sandbox_id": &types.AttributeValueMemberS{Value: "sb-2"},
	})
	require.NoError(t, err)
	key, err = decodeCursor(plain)
	require.NoError(t, err)
	assert.Len(t, key, 1)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := decodeCursor("!!not-base64!!")
	require.Error(t, err)

	// Valid base64, wrong payload.
	_, err = decodeCursor("eyJ4IjoxfQ")
	require.Error(t, err)

	key, err := decodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestIsConditionalFailure(t *testing.T) {
	err := error(&types.ConditionalCheckFailedException{})
	assert.True(t, isConditionalFailure(err))
	assert.True(t, isConditionalFailure(errors.Join(errors.New("wrapped"), err)))
	assert.False(t, isConditionalFailure(errors.New("boom")))
}

func TestUnavailableWrapsSentinel(t *testing.T) {
	err := unavailable("query", errors.New("connection refused"))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Contains(t, err.Error(), "query")

	// Service errors surface their code, not the SDK operation chain.
	throttled := unavailable("update", &types.ProvisionedThroughputExceededException{
		Message: aws.String("slow down"),
	})
	assert.ErrorIs(t, throttled, store.ErrUnavailable)
	assert.Contains(t, throttled.Error(), "ProvisionedThroughputExceededException")
}
