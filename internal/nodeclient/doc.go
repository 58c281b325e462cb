// Package nodeclient is the worker-node side of the gateway protocol.
//
// A Client dials the gateway's /ws endpoint, registers with its node id,
// token and capabilities, answers heartbeats and serves tasks:
//
//	c, err := nodeclient.New(nodeclient.Options{
//	    URL:          "ws://gateway:18789/ws",
//	    NodeID:       "worker-1",
//	    Token:        token,
//	    Capabilities: caps,
//	})
//	err = c.Run(ctx, func(ctx context.Context, task protocol.LaneMessage) (json.RawMessage, error) {
//	    return task.Payload, nil
//	})
//
// Run acknowledges each task when a handler takes it, sends the handler's
// return value as task.result, and reconnects with exponential backoff after an
// unexpected disconnect. Reconnects are budgeted: more than MaxRestarts
// within RestartWindow stops Run with ErrRestartBudgetExhausted.
package nodeclient
