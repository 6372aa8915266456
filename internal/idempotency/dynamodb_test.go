package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB evaluates the three condition expressions DynamoDBStore issues
// against an in-memory table.
type fakeDynamoDB struct {
	mu    sync.Mutex
	items map[string]dynamoItem
	err   error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]dynamoItem)}
}

func (f *fakeDynamoDB) failed(old dynamoItem, exists bool) error {
	ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if exists {
		item, err := attributevalue.MarshalMap(old)
		if err != nil {
			return err
		}
		ccf.Item = item
	}
	return ccf
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	var it dynamoItem
	if err := attributevalue.UnmarshalMap(in.Item, &it); err != nil {
		return nil, err
	}
	now := numberValue(in.ExpressionAttributeValues[":now"])

	if old, ok := f.items[it.Key]; ok && old.ExpiresAt > now {
		return nil, f.failed(old, true)
	}
	f.items[it.Key] = it
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	old, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	item, err := attributevalue.MarshalMap(old)
	return &dynamodb.GetItemOutput{Item: item}, err
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	key := keyOf(in.Key)
	old, ok := f.items[key]
	vals := in.ExpressionAttributeValues
	if !ok || old.State != "reserved" || old.Token != stringValue(vals[":token"]) {
		return nil, f.failed(old, ok)
	}
	old.State = stringValue(vals[":committed"])
	old.Token = ""
	old.TransactionID = stringValue(vals[":txid"])
	old.Status = stringValue(vals[":status"])
	old.ExpiresAt = numberValue(vals[":expires"])
	old.TTL = numberValue(vals[":ttl"])
	f.items[key] = old
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	key := keyOf(in.Key)
	old, ok := f.items[key]
	if !ok {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	if old.State != "reserved" || old.Token != stringValue(in.ExpressionAttributeValues[":token"]) {
		return nil, f.failed(old, true)
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func keyOf(key map[string]types.AttributeValue) string {
	return stringValue(key["idempotency_key"])
}

func stringValue(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberValue(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func TestDynamoDBStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) harness {
		clock := newFakeClock()
		store := NewDynamoDBStore(newFakeDynamoDB(), "IdempotencyKeys", Options{Lease: testLease, Retention: testRetention, Now: clock.Now})
		return harness{store: store, advance: clock.Advance}
	})
}

func TestDynamoDBStore_WritesTTL(t *testing.T) {
	clock := newFakeClock()
	db := newFakeDynamoDB()
	store := NewDynamoDBStore(db, "IdempotencyKeys", Options{Lease: testLease, Retention: testRetention, Now: clock.Now})

	_, err := store.Reserve(context.Background(), "k1", "fp")
	require.NoError(t, err)

	it := db.items["k1"]
	leaseEnd := clock.Now().Add(testLease)
	assert.Equal(t, leaseEnd.UnixMilli(), it.ExpiresAt)
	assert.Equal(t, leaseEnd.Unix(), it.TTL)
	assert.Equal(t, "fp", it.Fingerprint)
}

func TestDynamoDBStore_ClientError(t *testing.T) {
	db := newFakeDynamoDB()
	db.err = errors.New("throttled")
	store := NewDynamoDBStore(db, "IdempotencyKeys", Options{})

	_, err := store.Reserve(context.Background(), "k1", "fp")
	require.Error(t, err)
	assert.False(t, IsExpected(err))

	err = store.Commit(context.Background(), "k1", "token", testOutcome)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReservationLost)
}
