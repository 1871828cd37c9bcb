package reconcile

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
)

// SNSNotifier publishes inconsistencies to an SNS topic as JSON.
type SNSNotifier struct {
	client   snsiface.SNSAPI
	topicARN string
}

var _ Notifier = (*SNSNotifier)(nil)

func NewSNSNotifier(client snsiface.SNSAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN}
}

// Notify implements Notifier.
func (n *SNSNotifier) Notify(ctx context.Context, i *Inconsistency) error {
	payload, err := json.Marshal(i)
	if err != nil {
		return err
	}
	_, err = n.client.PublishWithContext(ctx, &sns.PublishInput{
		Message:  aws.String(string(payload)),
		TopicArn: aws.String(n.topicARN),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"operation": {DataType: aws.String("String"), StringValue: aws.String(i.Operation)},
			"store":     {DataType: aws.String("String"), StringValue: aws.String(i.Store)},
		},
	})
	return err
}
