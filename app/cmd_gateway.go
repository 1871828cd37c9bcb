package app

import (
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/senser-io/senser/broker"
	"github.com/senser-io/senser/gateway"
	"github.com/senser-io/senser/version"
)

func NewCmdGateway(logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the HTTP API, forwarding every request to the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithField("v", version.VERSION).Info("Starting gateway...")
			return doGateway(logger, config)
		},
	}
}

func doGateway(logger logrus.FieldLogger, config *Config) error {
	opts := append(brokerOptions(config), broker.WithMetrics(broker.NewMetrics(prometheus.DefaultRegisterer)))
	pub, err := broker.NewPublisher(logger.WithField("component", "publisher"), dialer(logger, config), opts...)
	if err != nil {
		return err
	}
	defer pub.Close()

	mux := adminMux()
	gw := gateway.New(logger, pub)
	mux.Handle("/sensors", gw)
	mux.Handle("/sensors/", gw)

	var g run.Group
	if err := addHTTPServer(&g, logger, config.Gateway.HTTPAddr, mux); err != nil {
		return err
	}
	addInterrupt(&g, logger)

	return g.Run()
}
