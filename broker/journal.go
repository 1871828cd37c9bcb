package broker

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
)

// Journal remembers the replies already produced so a redelivered request
// is answered again without running its handler twice.
type Journal interface {
	Lookup(ctx context.Context, correlationID string) ([]byte, bool, error)
	Record(ctx context.Context, correlationID string, reply []byte) error
}

// journalEntry is the item stored in DynamoDB.
type journalEntry struct {
	CorrelationID string       `dynamodbav:"ID"`
	Reply         []byte       `dynamodbav:"reply"`
	State         journalState `dynamodbav:"status"`
	Expires       int64        `dynamodbav:"expires"`
}

type journalState int

const (
	_ journalState = iota
	journalStateReplied
)

func (s journalState) String() string {
	switch s {
	case journalStateReplied:
		return "REPLIED"
	default:
		return "UNKNOWN"
	}
}

// DynamoJournal is a Journal backed by a DynamoDB table whose partition key
// is the string attribute "ID". Entries carry an "expires" epoch suitable
// for the table's TTL setting.
type DynamoJournal struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	ttl    time.Duration
	now    func() time.Time
}

var _ Journal = (*DynamoJournal)(nil)

// NewDynamoJournal returns a journal storing entries in table.
func NewDynamoJournal(client dynamodbiface.DynamoDBAPI, table string, ttl time.Duration) *DynamoJournal {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DynamoJournal{client: client, table: table, ttl: ttl, now: time.Now}
}

// Lookup implements Journal.
func (j *DynamoJournal) Lookup(ctx context.Context, correlationID string) ([]byte, bool, error) {
	output, err := j.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(j.table),
		Key: map[string]*dynamodb.AttributeValue{
			"ID": {S: aws.String(correlationID)},
		},
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "journal lookup failed")
	}
	if output.Item == nil {
		return nil, false, nil
	}
	entry := &journalEntry{}
	if err := dynamodbattribute.UnmarshalMap(output.Item, entry); err != nil {
		return nil, false, errors.Wrap(err, "journal entry could not be decoded")
	}
	if entry.State != journalStateReplied {
		return nil, false, nil
	}
	return entry.Reply, true, nil
}

// Record implements Journal.
func (j *DynamoJournal) Record(ctx context.Context, correlationID string, reply []byte) error {
	if correlationID == "" {
		return errors.New("correlation id is empty")
	}
	item, err := dynamodbattribute.MarshalMap(&journalEntry{
		CorrelationID: correlationID,
		Reply:         reply,
		State:         journalStateReplied,
		Expires:       j.now().Add(j.ttl).Unix(),
	})
	if err != nil {
		return err
	}
	_, err = j.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(j.table),
		Item:      item,
	})
	return errors.Wrap(err, "journal entry could not be stored")
}
