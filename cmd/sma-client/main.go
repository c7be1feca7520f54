package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/jbweber/sma/api/v1alpha1"
	"github.com/jbweber/sma/internal/agent"
	"github.com/jbweber/sma/internal/config"
	"github.com/jbweber/sma/internal/output"
	"github.com/jbweber/sma/internal/rpc"
)

var (
	version = "dev"
	commit  = "unknown"
)

// errCallFailed marks a failure already printed as a formatted error.
var errCallFailed = errors.New("call failed")

type options struct {
	address string
	port    int
	timeout time.Duration
	format  string
	tls     rpc.TLSConfig
}

// request is the JSON document read from stdin.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errCallFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "sma-client",
		Short: "Call the Storage Management Agent",
		Long: `sma-client reads a request from stdin and sends it to the agent.

The request is a JSON object naming the method and its parameters:

  {"method": "CreateDevice", "params": {"type": "nvmf_tcp", "params": {...}}}

The reply is printed on stdout.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&o.address, "address", "a", config.DefaultAddress, "Agent address")
	fs.IntVarP(&o.port, "port", "p", config.DefaultPort, "Agent port")
	fs.DurationVar(&o.timeout, "timeout", 60*time.Second, "Call timeout")
	fs.StringVarP(&o.format, "output", "o", string(output.FormatJSON), "Output format: json, yaml or table")
	fs.StringVar(&o.tls.PrivKey, "priv-key", "", "Path to the client private key (PEM)")
	fs.StringVar(&o.tls.CertChain, "cert-chain", "", "Path to the client certificate chain (PEM)")
	fs.StringVar(&o.tls.RootCert, "root-cert", "", "Path to the root certificate used to verify the agent (PEM)")
	return cmd
}

func run(ctx context.Context, o options, in io.Reader, out io.Writer) error {
	if err := output.ValidateFormat(o.format); err != nil {
		return err
	}
	formatter, err := output.NewFormatter(output.Options{Format: output.Format(o.format)})
	if err != nil {
		return err
	}

	req, err := readRequest(in)
	if err != nil {
		return err
	}
	params, err := v1alpha1.FromJSON(req.Params)
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}

	client, err := rpc.NewClient(net.JoinHostPort(o.address, strconv.Itoa(o.port)), o.tls)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, callErr := client.Call(ctx, req.Method, params)
	if callErr != nil {
		st, ok := status.FromError(callErr)
		if !ok {
			return callErr
		}
		text, err := formatter.FormatError(&output.CallError{
			Method:  req.Method,
			Code:    st.Code().String(),
			Message: st.Message(),
			Reason:  agent.Reason(callErr),
		})
		if err != nil {
			return err
		}
		_, _ = io.WriteString(out, text)
		return errCallFailed
	}

	text, err := formatter.FormatResponse(req.Method, v1alpha1.ToMap(resp))
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, text)
	return err
}

func readRequest(in io.Reader) (*request, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	if req.Method == "" {
		return nil, errors.New("missing required field: method")
	}
	return &req, nil
}
