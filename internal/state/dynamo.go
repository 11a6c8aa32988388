package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// DynamoLocker implements Locker on a DynamoDB table with a
// conditional put, so acquisition is atomic across processes and
// hosts. The table needs a string partition key named "Target".
type DynamoLocker struct {
	table  string
	client *dynamodb.Client
}

// DynamoLockerConfig configures the DynamoDB lock backend.
type DynamoLockerConfig struct {
	Table   string `yaml:"table"`
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

func NewDynamoLocker(ctx context.Context, cfg DynamoLockerConfig) (*DynamoLocker, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb locker requires 'table' configuration")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &DynamoLocker{table: cfg.Table, client: dynamodb.NewFromConfig(awsCfg)}, nil
}

func (l *DynamoLocker) Acquire(ctx context.Context, target string, runID int64, lease time.Duration) (*Handle, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	leaseID := uuid.NewString()
	now := time.Now().UTC()

	// The conditional put succeeds when no item exists or the previous
	// lease has expired, which reclaims locks left by crashed holders.
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]dbtypes.AttributeValue{
			"Target":    &dbtypes.AttributeValueMemberS{Value: target},
			"LeaseID":   &dbtypes.AttributeValueMemberS{Value: leaseID},
			"RunID":     &dbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", runID)},
			"Acquired":  &dbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"ExpiresAt": &dbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(lease).Unix())},
		},
		ConditionExpression: aws.String("attribute_not_exists(Target) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, fmt.Errorf("%w (target %s, table %s)", ErrLockHeld, target, l.table)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return &Handle{Target: target, LeaseID: leaseID, RunID: runID}, nil
}

func (l *DynamoLocker) Renew(ctx context.Context, h *Handle, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"Target": &dbtypes.AttributeValueMemberS{Value: h.Target},
		},
		UpdateExpression:    aws.String("SET ExpiresAt = :exp"),
		ConditionExpression: aws.String("LeaseID = :lease"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":exp":   &dbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().UTC().Add(lease).Unix())},
			":lease": &dbtypes.AttributeValueMemberS{Value: h.LeaseID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotHolder
		}
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	return nil
}

func (l *DynamoLocker) Release(ctx context.Context, h *Handle) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"Target": &dbtypes.AttributeValueMemberS{Value: h.Target},
		},
		ConditionExpression: aws.String("LeaseID = :lease"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":lease": &dbtypes.AttributeValueMemberS{Value: h.LeaseID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotHolder
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
