// Package sqsbackend implements backend.Backend on top of Amazon SQS.
//
// The work queue is a regular SQS queue addressed by name or URL. Reply
// queues are temporary queues created per connection and deleted when the
// connection closes. Correlation ids and reply destinations travel as message
// attributes. A delivery is deleted from SQS only after its handler returns
// without error; otherwise the visibility timeout makes it visible again.
package sqsbackend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker/backend"
	"github.com/senser-io/senser/internal/awsutil"
)

const (
	// maxNumberOfMessages is the number of messages that we want to receive
	// from SQS incoming batches. The bridge processes one at a time.
	maxNumberOfMessages = 1

	// defaultWaitTimeSeconds is the longest we're waiting on each receive.
	defaultWaitTimeSeconds = 1

	attrCorrelationID = "CorrelationId"
	attrReplyTo       = "ReplyTo"

	defaultReplyQueuePrefix = "senser-reply-"
)

func init() {
	backend.Register("sqs", New)
}

// New opens a backend using an AWS session built from opts.
func New(opts *backend.Opts) (backend.Backend, error) {
	sess, err := awsutil.Session(opts.Logger, opts.Profile, opts.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "error creating AWS session")
	}
	b := NewWithClient(opts.Logger, sqs.New(sess), opts.ReplyQueuePrefix)
	if opts.WaitTime > 0 {
		b.waitTimeSeconds = int64(opts.WaitTime / time.Second)
	}
	return b, nil
}

// Backend is a SQS client.
type Backend struct {
	logger          logrus.FieldLogger
	client          sqsiface.SQSAPI
	prefix          string
	waitTimeSeconds int64

	mu     sync.Mutex
	urls   map[string]string
	owned  []string
	closed bool
}

var _ backend.Backend = (*Backend)(nil)

// NewWithClient returns a backend using the given client.
func NewWithClient(logger logrus.FieldLogger, client sqsiface.SQSAPI, prefix string) *Backend {
	if prefix == "" {
		prefix = defaultReplyQueuePrefix
	}
	return &Backend{
		logger:          logger,
		client:          client,
		prefix:          prefix,
		waitTimeSeconds: defaultWaitTimeSeconds,
		urls:            map[string]string{},
	}
}

// queueURL resolves a queue name into its URL. URLs are returned as given.
func (b *Backend) queueURL(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}
	b.mu.Lock()
	url, ok := b.urls[queue]
	b.mu.Unlock()
	if ok {
		return url, nil
	}
	out, err := b.client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return "", errors.Wrapf(err, "error resolving queue %s", queue)
	}
	url = aws.StringValue(out.QueueUrl)
	b.mu.Lock()
	b.urls[queue] = url
	b.mu.Unlock()
	return url, nil
}

// Publish implements backend.Backend.
func (b *Backend) Publish(ctx context.Context, queue string, m *backend.Message) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	attrs := map[string]*sqs.MessageAttributeValue{}
	if m.CorrelationID != "" {
		attrs[attrCorrelationID] = stringAttribute(m.CorrelationID)
	}
	if m.ReplyTo != "" {
		attrs[attrReplyTo] = stringAttribute(m.ReplyTo)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(m.Body)),
	}
	if len(attrs) > 0 {
		input.MessageAttributes = attrs
	}
	_, err = b.client.SendMessageWithContext(ctx, input)
	return err
}

// Consume implements backend.Backend. It long-polls the queue and hands every
// message to h, deleting it only when h succeeds.
func (b *Backend) Consume(ctx context.Context, queue string, h backend.Handler) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := b.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   aws.Int64(maxNumberOfMessages),
			WaitTimeSeconds:       aws.Int64(b.waitTimeSeconds),
			MessageAttributeNames: aws.StringSlice([]string{"All"}),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Errorf("Error receiving a message from SQS: %s", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, m := range out.Messages {
			if err := h(ctx, fromSQS(m)); err != nil {
				b.logger.WithField("queue", queue).Warn("Message left in the queue for redelivery: ", err)
				continue
			}
			b.deleteMessage(ctx, url, m.ReceiptHandle)
		}
	}
}

// deleteMessage does best effort to delete a message from SQS.
func (b *Backend) deleteMessage(ctx context.Context, url string, receiptHandle *string) {
	_, err := b.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		b.logger.Error("Message could not be removed from SQS: ", err)
	}
}

// DeclareReplyQueue implements backend.Backend.
func (b *Backend) DeclareReplyQueue(ctx context.Context) (string, error) {
	out, err := b.client.CreateQueueWithContext(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(b.prefix + uuid.New().String()),
	})
	if err != nil {
		return "", errors.Wrap(err, "error creating reply queue")
	}
	url := aws.StringValue(out.QueueUrl)
	b.mu.Lock()
	b.owned = append(b.owned, url)
	b.mu.Unlock()
	return url, nil
}

// Close implements backend.Backend. Reply queues created by this connection
// are deleted.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	owned := b.owned
	b.owned = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	for _, url := range owned {
		_, err := b.client.DeleteQueueWithContext(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
		if err != nil {
			b.logger.WithField("queue", url).Error("Reply queue could not be deleted: ", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func stringAttribute(value string) *sqs.MessageAttributeValue {
	return &sqs.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}

func fromSQS(m *sqs.Message) *backend.Message {
	msg := &backend.Message{Body: []byte(aws.StringValue(m.Body))}
	if attr, ok := m.MessageAttributes[attrCorrelationID]; ok {
		msg.CorrelationID = aws.StringValue(attr.StringValue)
	}
	if attr, ok := m.MessageAttributes[attrReplyTo]; ok {
		msg.ReplyTo = aws.StringValue(attr.StringValue)
	}
	return msg
}
