package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"tcp-socket-core/lnxconfig"
	protocol "tcp-socket-core/pkg"
	tcp_protocol "tcp-socket-core/tcp_pkg"
)

var errQuit = errors.New("quit")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, logLevel string
	cmd := &cobra.Command{
		Use:          "vhost --config <lnx file>",
		Short:        "Run a virtual host that accepts TCP connection requests",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the host configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overriding the configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	zapcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapcfg.Encoding = "console"
	zapcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zapcfg.Build()
}

func run(ctx context.Context, configPath, logLevel string, in io.Reader, out io.Writer) error {
	lnxConfig, err := lnxconfig.ParseConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = lnxConfig.LogLevel
	}
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ipStack, err := protocol.NewIPStack(lnxConfig, logger.Named("ip"))
	if err != nil {
		return err
	}
	defer ipStack.Close()

	tcpStack, err := tcp_protocol.NewTCPStack(ipStack, lnxConfig, logger.Named("tcp"))
	if err != nil {
		return err
	}
	ipStack.RegisterRecvHandler(protocol.ProtocolTest, protocol.TestPacketHandler(out))
	ipStack.RegisterRecvHandler(protocol.ProtocolTCP, tcpStack.TCPHandler)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ipStack.Serve(ctx) })
	g.Go(func() error { return repl(ctx, in, out, ipStack, tcpStack) })
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		logger.Error("vhost stopped", zap.Error(err))
		return err
	}
	return nil
}

// repl runs commands read from in until in is exhausted, the user quits, or
// ctx is done.
func repl(ctx context.Context, in io.Reader, out io.Writer, ipStack *protocol.IPStack, tcpStack *tcp_protocol.TCPStack) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "q" || line == "exit":
				return errQuit
			case ipStack.Command(line, out):
			case tcpStack.Command(line, out):
			default:
				fmt.Fprintf(out, "Invalid command: %s\n", line)
			}
		}
	}
}
