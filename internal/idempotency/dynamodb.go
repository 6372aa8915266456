package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/punchamoorthee/txingest/internal/domain"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// dynamoItem is the table layout. ExpiresAt (unix millis) drives lease and
// retention checks inside condition expressions; TTL (unix seconds) lets
// DynamoDB's TTL process delete the item eventually.
type dynamoItem struct {
	Key           string `dynamodbav:"idempotency_key"`
	State         string `dynamodbav:"state"`
	Token         string `dynamodbav:"token"`
	Fingerprint   string `dynamodbav:"fingerprint"`
	TransactionID string `dynamodbav:"transaction_id"`
	Status        string `dynamodbav:"status"`
	ExpiresAt     int64  `dynamodbav:"expires_at"`
	TTL           int64  `dynamodbav:"ttl"`
}

// Reserved words in DynamoDB expressions need placeholders.
var dynamoNames = map[string]string{
	"#key":     "idempotency_key",
	"#state":   "state",
	"#token":   "token",
	"#status":  "status",
	"#expires": "expires_at",
	"#ttl":     "ttl",
	"#txid":    "transaction_id",
}

// DynamoDBStore keeps entries in a DynamoDB table keyed by idempotency_key.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	opts      Options
}

func NewDynamoDBStore(client DynamoDBAPI, tableName string, opts Options) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName, opts: opts.withDefaults()}
}

func (s *DynamoDBStore) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrInvalidKey
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		now := s.opts.Now()
		token := newToken()
		leaseEnd := now.Add(s.opts.Lease)

		item, err := attributevalue.MarshalMap(dynamoItem{
			Key:         key,
			State:       string(domain.EntryReserved),
			Token:       token,
			Fingerprint: fingerprint,
			ExpiresAt:   leaseEnd.UnixMilli(),
			TTL:         leaseEnd.Unix(),
		})
		if err != nil {
			return Reservation{}, fmt.Errorf("dynamodb reserve: marshal: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                           aws.String(s.tableName),
			Item:                                item,
			ConditionExpression:                 aws.String("attribute_not_exists(#key) OR #expires <= :now"),
			ExpressionAttributeNames:            pick("#key", "#expires"),
			ExpressionAttributeValues:           map[string]types.AttributeValue{":now": number(now.UnixMilli())},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err == nil {
			return Reservation{Result: Reserved, Token: token}, nil
		}

		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return Reservation{}, fmt.Errorf("dynamodb reserve: %w", err)
		}

		current := ccf.Item
		if current == nil {
			if current, err = s.get(ctx, key); err != nil {
				return Reservation{}, err
			}
			if current == nil {
				continue
			}
		}

		entry, err := decodeEntry(current)
		if err != nil {
			return Reservation{}, err
		}
		if entry.State == domain.EntryCommitted {
			return Reservation{Result: AlreadyCommitted, Entry: entry}, nil
		}
		return Reservation{Result: AlreadyReserved, Entry: entry}, nil
	}
	return Reservation{}, fmt.Errorf("dynamodb reserve: key %q kept changing", key)
}

func (s *DynamoDBStore) Commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	if key == "" {
		return ErrInvalidKey
	}

	expires := s.opts.Now().Add(s.opts.Retention)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}},
		UpdateExpression:         aws.String("SET #state = :committed, #token = :empty, #txid = :txid, #status = :status, #expires = :expires, #ttl = :ttl"),
		ConditionExpression:      aws.String("#state = :reserved AND #token = :token"),
		ExpressionAttributeNames: pick("#state", "#token", "#txid", "#status", "#expires", "#ttl"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":committed": &types.AttributeValueMemberS{Value: string(domain.EntryCommitted)},
			":reserved":  &types.AttributeValueMemberS{Value: string(domain.EntryReserved)},
			":empty":     &types.AttributeValueMemberS{Value: ""},
			":token":     &types.AttributeValueMemberS{Value: token},
			":txid":      &types.AttributeValueMemberS{Value: outcome.TransactionID},
			":status":    &types.AttributeValueMemberS{Value: string(outcome.Status)},
			":expires":   number(expires.UnixMilli()),
			":ttl":       number(expires.Unix()),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}
	return s.conditionError("commit", err, ErrReservationLost)
}

func (s *DynamoDBStore) Release(ctx context.Context, key, token string) error {
	if key == "" {
		return ErrInvalidKey
	}

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}},
		ConditionExpression:      aws.String("attribute_not_exists(#key) OR (#state = :reserved AND #token = :token)"),
		ExpressionAttributeNames: pick("#key", "#state", "#token"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reserved": &types.AttributeValueMemberS{Value: string(domain.EntryReserved)},
			":token":    &types.AttributeValueMemberS{Value: token},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}
	return s.conditionError("release", err, nil)
}

// conditionError maps a failed conditional write. whenMissing is returned when
// the item no longer exists.
func (s *DynamoDBStore) conditionError(op string, err error, whenMissing error) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("dynamodb %s: %w", op, err)
	}
	if ccf.Item == nil {
		return whenMissing
	}
	entry, derr := decodeEntry(ccf.Item)
	if derr != nil {
		return derr
	}
	if entry.State == domain.EntryCommitted {
		return ErrAlreadyCommitted
	}
	return ErrReservationLost
}

func (s *DynamoDBStore) get(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func decodeEntry(item map[string]types.AttributeValue) (domain.IdempotencyEntry, error) {
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.IdempotencyEntry{}, fmt.Errorf("dynamodb: failed to unmarshal entry: %w", err)
	}
	entry := domain.IdempotencyEntry{
		Key:         it.Key,
		State:       domain.EntryState(it.State),
		Fingerprint: it.Fingerprint,
		ExpiresAt:   time.UnixMilli(it.ExpiresAt),
		Outcome: domain.Outcome{
			TransactionID: it.TransactionID,
			Status:        domain.Status(it.Status),
		},
	}
	if entry.State == domain.EntryReserved {
		entry.LeaseExpiresAt = entry.ExpiresAt
	}
	return entry, nil
}

func pick(names ...string) map[string]string {
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = dynamoNames[n]
	}
	return out
}

func number(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
