package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/senser-io/senser/broker"
	"github.com/senser-io/senser/broker/message"
)

var file string

func NewCmdCall(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call REQUEST_TYPE [DATA]",
		Short: "Send a single request to the workers and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := message.RequestType(args[0])
			if !t.Valid() {
				return fmt.Errorf("unknown request type %q", t)
			}
			data, err := callData(args[1:])
			if err != nil {
				return err
			}
			pub, err := broker.NewPublisher(logger, dialer(logger, config), brokerOptions(config)...)
			if err != nil {
				return err
			}
			defer pub.Close()
			return doCall(cmd.Context(), out, pub, t, data)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File with the request data")

	return cmd
}

// callData returns the data given as argument or read from the file flag.
func callData(args []string) (json.RawMessage, error) {
	var blob []byte
	switch {
	case len(args) > 0 && file != "":
		return nil, errors.New("data given both as argument and file")
	case len(args) > 0:
		blob = []byte(args[0])
	case file != "":
		var err error
		blob, err = afero.ReadFile(appFs, file)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read file")
		}
	default:
		return nil, nil
	}
	if !json.Valid(blob) {
		return nil, errors.New("request data is not valid JSON")
	}
	return json.RawMessage(blob), nil
}

type caller interface {
	Call(ctx context.Context, t message.RequestType, data interface{}) (json.RawMessage, error)
}

func doCall(ctx context.Context, out io.Writer, c caller, t message.RequestType, data json.RawMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var payload interface{}
	if data != nil {
		payload = data
	}
	result, err := c.Call(ctx, t, payload)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		buf.Reset()
		buf.Write(result)
	}
	_, err = fmt.Fprintln(out, buf.String())
	return err
}
