package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/leesper/seqnet"
	xlog "github.com/leesper/seqnet/internal/log"
)

var (
	sendAddr    string
	sendCount   int
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to an echo server and print the replies",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := "hello, world"
		if len(args) == 1 {
			msg = args[0]
		}
		return send(cmd.Context(), cmd, msg)
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendAddr, "addr", "a", "127.0.0.1:18341", "server address")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "number of times to send the message")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "overall timeout")
}

func send(ctx context.Context, cmd *cobra.Command, msg string) error {
	if sendCount <= 0 {
		return errors.New("count must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	logger := xlog.WithComponent("send")
	replies := make(chan []byte, sendCount)
	conn, err := seqnet.Dial(ctx, "tcp", sendAddr,
		seqnet.OnMessageOption(func(b net.Buffers, c *seqnet.Conn) {
			replies <- seqnet.Flatten(b)
		}),
		seqnet.OnErrorOption(func(c *seqnet.Conn, err error) {
			logger.Warn().Err(err).Msg("on error")
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		conn.Close("done")
		<-conn.Done()
	}()

	for i := 0; i < sendCount; i++ {
		if err := conn.Write([]byte(msg)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	for i := 0; i < sendCount; i++ {
		select {
		case b := <-replies:
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", b)
		case <-conn.Done():
			return fmt.Errorf("connection closed: %w", conn.Err())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
