package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDynamoDBClient struct {
	dynamodbiface.DynamoDBAPI
	items  map[string]map[string]*dynamodb.AttributeValue
	getErr error
	putErr error
}

func (m *mockDynamoDBClient) GetItemWithContext(_ aws.Context, input *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &dynamodb.GetItemOutput{Item: m.items[aws.StringValue(input.Key["ID"].S)]}, nil
}

func (m *mockDynamoDBClient) PutItemWithContext(_ aws.Context, input *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.items[aws.StringValue(input.Item["ID"].S)] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestJournalState_String(t *testing.T) {
	tests := []struct {
		s    journalState
		want string
	}{
		{journalStateReplied, "REPLIED"},
		{0, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("journalState.String() = %v, want %v", got, tt.want)
		}
	}
}

func TestDynamoJournal(t *testing.T) {
	client := &mockDynamoDBClient{items: map[string]map[string]*dynamodb.AttributeValue{}}
	j := NewDynamoJournal(client, "senser_reply_journal", time.Hour)
	j.now = func() time.Time { return time.Unix(1000, 0) }
	ctx := context.Background()

	_, ok, err := j.Lookup(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.Record(ctx, "c-1", []byte(`{"ok":true}`)))
	assert.Equal(t, "4600", aws.StringValue(client.items["c-1"]["expires"].N))

	body, ok, err := j.Lookup(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"ok":true}`, string(body))

	assert.Error(t, j.Record(ctx, "", nil))
}

func TestDynamoJournal_Failures(t *testing.T) {
	client := &mockDynamoDBClient{
		items:  map[string]map[string]*dynamodb.AttributeValue{},
		getErr: errors.New("throttled"),
		putErr: errors.New("throttled"),
	}
	j := NewDynamoJournal(client, "table", 0)
	ctx := context.Background()

	_, _, err := j.Lookup(ctx, "c-1")
	assert.Error(t, err)
	assert.Error(t, j.Record(ctx, "c-1", []byte("{}")))
}
