// Command udpfsctl is a one-shot debug client for udpfsd: it sends a
// single request of any protocol operation and prints the decoded
// response, the way the teacher library's own "coap" command lets you
// curl a CoAP/HTTP server by hand.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matrix-org/udpfs/internal/codec"
	"github.com/matrix-org/udpfs/internal/proto"
)

var (
	flagServer  string
	flagReqNo   uint32
	flagTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "udpfsctl",
		Short: "Send a single request to a udpfsd server and print the response",
	}
	root.PersistentFlags().StringVar(&flagServer, "server", "127.0.0.1:45600", "udpfsd address host:port")
	root.PersistentFlags().Uint32Var(&flagReqNo, "req-no", 1, "request number to send")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "time to wait for a response")

	root.AddCommand(
		handshakeCmd(),
		disconnectCmd(),
		readCmd(),
		insertCmd(),
		updateCmd(),
		deleteCmd(),
		monitorCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handshakeCmd() *cobra.Command {
	var sessionID uint32
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Send a HANDSHAKE establishing a session id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpHandshake, SessionID: sessionID})
		},
	}
	cmd.Flags().Uint32Var(&sessionID, "session-id", uint32(time.Now().Unix()), "session id to present")
	return cmd
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Send a DISCONNECT, flushing the server's cached session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpDisconnect})
		},
	}
}

func readCmd() *cobra.Command {
	var path string
	var offset, amount uint32
	cmd := &cobra.Command{
		Use:   "read",
		Short: "READ a byte range from a served file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpRead, Path: path, Offset: offset, Amount: amount})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path relative to the server root")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "byte offset")
	cmd.Flags().Uint32Var(&amount, "amount", 0, "number of bytes to read")
	cmd.MarkFlagRequired("path")
	return cmd
}

func insertCmd() *cobra.Command {
	var path, data string
	var offset uint32
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "INSERT bytes into a served file at an offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpInsert, Path: path, Offset: offset, Data: []byte(data)})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path relative to the server root")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "byte offset")
	cmd.Flags().StringVar(&data, "data", "", "bytes to insert")
	cmd.MarkFlagRequired("path")
	return cmd
}

func updateCmd() *cobra.Command {
	var path, data string
	var offset uint32
	cmd := &cobra.Command{
		Use:   "update",
		Short: "UPDATE bytes in a served file in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpUpdate, Path: path, Offset: offset, Data: []byte(data)})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path relative to the server root")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "byte offset")
	cmd.Flags().StringVar(&data, "data", "", "bytes to write")
	cmd.MarkFlagRequired("path")
	return cmd
}

func deleteCmd() *cobra.Command {
	var path string
	var offset, amount uint32
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "DELETE a byte range from a served file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpDelete, Path: path, Offset: offset, Amount: amount})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path relative to the server root")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "byte offset")
	cmd.Flags().Uint32Var(&amount, "amount", 0, "number of bytes to delete")
	cmd.MarkFlagRequired("path")
	return cmd
}

func monitorCmd() *cobra.Command {
	var path string
	var intervalMs uint32
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Subscribe to a served file and print the ack (see udpfswatch for live notifications)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(proto.Request{ReqNo: flagReqNo, Op: proto.OpMonitor, Path: path, IntervalMs: intervalMs})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path relative to the server root")
	cmd.Flags().Uint32Var(&intervalMs, "interval-ms", 10000, "how long the subscription should last")
	cmd.MarkFlagRequired("path")
	return cmd
}

func roundTrip(req proto.Request) error {
	raddr, err := net.ResolveUDPAddr("udp", flagServer)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(codec.EncodeRequest(req)); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(flagTimeout))
	buf := make([]byte, 1<<20)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	resp, err := codec.DecodeResponse(buf[:n])
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	status := "BAD"
	if resp.Status == proto.StatusGood {
		status = "GOOD"
	}
	fmt.Printf("%s: %s\n", status, string(resp.Data))
	return nil
}
