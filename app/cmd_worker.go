package app

import (
	"context"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/senser-io/senser/broker"
	"github.com/senser-io/senser/dispatch"
	"github.com/senser-io/senser/internal/awsutil"
	"github.com/senser-io/senser/reconcile"
	"github.com/senser-io/senser/sensors"
	"github.com/senser-io/senser/store/dynamo"
	"github.com/senser-io/senser/store/elastic"
	"github.com/senser-io/senser/store/mongo"
	"github.com/senser-io/senser/store/natskv"
	"github.com/senser-io/senser/store/postgres"
	"github.com/senser-io/senser/version"
)

func NewCmdWorker(logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume requests from the work queue and answer them",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithField("v", version.VERSION).Info("Starting worker...")
			return doWorker(logger, config)
		},
	}
}

func doWorker(logger logrus.FieldLogger, config *Config) error {
	w, err := newWorker(logger, config)
	if err != nil {
		return err
	}
	defer w.close()

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return w.sub.Run(ctx, w.dispatcher.Dispatch)
		}, func(error) {
			cancel()
		})
	}
	if err := addHTTPServer(&g, logger, config.Worker.HTTPAddr, adminMux()); err != nil {
		return err
	}
	addInterrupt(&g, logger)

	return g.Run()
}

type worker struct {
	sub        *broker.Subscriber
	dispatcher *dispatch.Dispatcher
	closers    []func()
}

func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func newWorker(logger logrus.FieldLogger, config *Config) (w *worker, err error) {
	w = &worker{}
	defer func() {
		if err != nil {
			w.close()
		}
	}()

	stores := sensors.Stores{}
	{
		db, err := postgres.Open(config.Postgres.DSN, config.Postgres.MaxOpenConns, config.Postgres.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, func() { db.Close() })
		if config.Postgres.AutoMigrate {
			if err := postgres.Migrate(logger, db, postgres.SchemaSensors); err != nil {
				return nil, err
			}
		}
		stores.Relational = postgres.NewSensors(db)
	}
	{
		db, err := postgres.Open(config.Timescale.DSN, config.Timescale.MaxOpenConns, config.Timescale.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, func() { db.Close() })
		if config.Timescale.AutoMigrate {
			if err := postgres.Migrate(logger, db, postgres.SchemaTimeSeries); err != nil {
				return nil, err
			}
		}
		stores.TimeSeries = postgres.NewReadings(db)
	}
	{
		docs, err := mongo.Dial(config.MongoDB.URL, config.MongoDB.Database, config.MongoDB.Collection)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, docs.Close)
		stores.Documents = docs
	}
	{
		cache, err := natskv.Dial(context.Background(), config.Cache.NatsURL, config.Cache.Bucket)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, cache.Close)
		stores.Cache = cache
	}

	var dynamodbClient *dynamodb.DynamoDB
	{
		sess, err := awsutil.Session(logger, config.DynamoDB.Profile, config.DynamoDB.Endpoint)
		if err != nil {
			return nil, err
		}
		dynamodbClient = dynamodb.New(sess)
		stores.WideColumn = dynamo.New(dynamodbClient, config.DynamoDB.Table)
	}
	{
		index, err := elastic.New(config.Elasticsearch.Addresses, nil)
		if err != nil {
			return nil, err
		}
		stores.Search = index
	}

	var notifiers []reconcile.Notifier
	if config.Reconcile.SNSTopicARN != "" {
		sess, err := awsutil.Session(logger, config.Reconcile.SNSProfile, config.Reconcile.SNSEndpoint)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, reconcile.NewSNSNotifier(sns.New(sess), config.Reconcile.SNSTopicARN))
	}
	reconciler := reconcile.New(logger.WithField("component", "reconcile"), prometheus.DefaultRegisterer, notifiers...)

	w.dispatcher, err = dispatch.New(logger, sensors.NewService(logger, stores, reconciler))
	if err != nil {
		return nil, err
	}

	opts := brokerOptions(config)
	opts = append(opts, broker.WithMetrics(broker.NewMetrics(prometheus.DefaultRegisterer)))
	if config.Worker.JournalTable != "" {
		opts = append(opts, broker.WithJournal(broker.NewDynamoJournal(dynamodbClient, config.Worker.JournalTable, config.Worker.JournalTTL)))
	}
	w.sub, err = broker.NewSubscriber(logger.WithField("component", "subscriber"), dialer(logger, config), opts...)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func() { w.sub.Close() })

	return w, nil
}
