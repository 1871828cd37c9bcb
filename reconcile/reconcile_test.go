package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snsMock struct {
	snsiface.SNSAPI
	published []*sns.PublishInput
	err       error
}

func (m *snsMock) PublishWithContext(_ aws.Context, in *sns.PublishInput, _ ...request.Option) (*sns.PublishOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.published = append(m.published, in)
	return &sns.PublishOutput{}, nil
}

func TestReport(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	client := &snsMock{}
	r := New(logger, prometheus.NewRegistry(), NewSNSNotifier(client, "arn:aws:sns:eu-west-1:123:senser"))
	r.now = func() time.Time { return time.Date(2023, 2, 12, 0, 0, 0, 0, time.UTC) }

	r.Report(context.Background(), "create_sensor", "search", 7, errors.New("index unavailable"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.counter.WithLabelValues("create_sensor", "search")))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.EqualValues(t, 7, hook.LastEntry().Data["sensorID"])

	require.Len(t, client.published, 1)
	assert.Equal(t, "arn:aws:sns:eu-west-1:123:senser", aws.StringValue(client.published[0].TopicArn))
	var got Inconsistency
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(client.published[0].Message)), &got))
	assert.Equal(t, Inconsistency{
		Operation: "create_sensor",
		Store:     "search",
		SensorID:  7,
		Error:     "index unavailable",
		At:        time.Date(2023, 2, 12, 0, 0, 0, 0, time.UTC),
	}, got)
}

func TestReport_NotifierFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	r := New(logger, nil, NewSNSNotifier(&snsMock{err: errors.New("denied")}, "arn"))

	r.Report(context.Background(), "delete_sensor_by_id", "document", 1, errors.New("timeout"))
	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
