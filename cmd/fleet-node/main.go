// ABOUTME: Minimal worker node for E2E testing: registers with the gateway and echoes tasks.
// ABOUTME: Usage: fleet-node --url ws://localhost:18789/ws --id worker-1 --agent-type high

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/fleet-gateway/internal/logging"
	"github.com/2389/fleet-gateway/internal/nodeclient"
	"github.com/2389/fleet-gateway/internal/protocol"
)

var (
	gatewayURL     string
	nodeID         string
	token          string
	agentTypes     []string
	tools          []string
	channels       []string
	maxConcurrency int
	delay          time.Duration
	logLevel       string
	logFormat      string
)

var rootCmd = &cobra.Command{
	Use:          "fleet-node",
	Short:        "Echo worker node for fleet-gateway",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	hostname, _ := os.Hostname()

	f := rootCmd.Flags()
	f.StringVar(&gatewayURL, "url", "ws://localhost:18789/ws", "gateway WebSocket URL")
	f.StringVar(&nodeID, "id", hostname, "node id")
	f.StringVar(&token, "token", os.Getenv("FLEET_NODE_TOKEN"), "registration token (default $FLEET_NODE_TOKEN)")
	f.StringSliceVar(&agentTypes, "agent-type", []string{"echo"}, "agent types this node serves")
	f.StringSliceVar(&tools, "tool", nil, "tools this node offers")
	f.StringSliceVar(&channels, "channel", nil, "channels this node serves")
	f.IntVar(&maxConcurrency, "max-concurrency", 4, "tasks handled at once")
	f.DurationVar(&delay, "delay", 50*time.Millisecond, "simulated work time per task")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug/info/warn/error)")
	f.StringVar(&logFormat, "log-format", "text", "log format (text/json)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := logging.New(os.Stderr, logLevel, logFormat)

	client, err := nodeclient.New(nodeclient.Options{
		URL:    gatewayURL,
		NodeID: nodeID,
		Token:  token,
		Capabilities: protocol.NodeCapabilities{
			AgentTypes:     agentTypes,
			Tools:          tools,
			MaxConcurrency: maxConcurrency,
			Channels:       channels,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating node client: %w", err)
	}
	client.OnError(func(err error) {
		logger.Warn("gateway reported error", "error", err)
	})

	return client.Run(ctx, func(ctx context.Context, task protocol.LaneMessage) (json.RawMessage, error) {
		logger.Info("received task",
			"message_id", task.MessageID,
			"lane", task.Lane,
			"conversation", task.ConversationKey,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return json.Marshal(echoReply{
			Node:    nodeID,
			Lane:    task.Lane,
			Echo:    task.Payload,
			Handled: time.Now().UTC(),
		})
	})
}

type echoReply struct {
	Node    string          `json:"node"`
	Lane    protocol.Lane   `json:"lane"`
	Echo    json.RawMessage `json:"echo,omitempty"`
	Handled time.Time       `json:"handledAt"`
}
