// Package mcp implements the tools subset of the Model Context Protocol (MCP) as a bidirectional
// JSON-RPC 2.0 exchange over two independent channels. Requests travel on a submission channel
// (HTTP POST) and every response, server-initiated request and notification comes back on a
// stream channel (Server-Sent Events). A newline-delimited stdio transport is provided as well.
//
// The package is built in layers. EncodeMessage and DecodeMessage move JSONRPCMessage envelopes
// across the wire. A CorrelationTable pairs responses read from the stream with the requests
// that were submitted, and resolves each of them exactly once, with a result, an error, a
// timeout or a cancellation. A SessionMachine runs the initialize handshake and gates
// everything else until the session is Ready. Finally a ToolRegistry holds the tools a
// Server exposes, and Client discovers and invokes them.
//
// A minimal server:
//
//	registry := mcp.NewToolRegistry()
//	_ = registry.Register(tool, handler)
//
//	sse := mcp.NewSSEServer(baseURL + "/message")
//	http.Handle("/sse", sse.HandleSSE())
//	http.Handle("/message", sse.HandleMessage())
//
//	srv := mcp.NewServer(mcp.Info{Name: "weather-server", Version: "1.0.0"}, sse, registry)
//	go srv.Serve()
//
// And the matching client:
//
//	cli := mcp.NewClient(mcp.Info{Name: "weather-client", Version: "1.0.0"},
//		mcp.NewSSEClient(baseURL+"/sse", nil))
//	if err := cli.Connect(ctx); err != nil {
//		return err
//	}
//	defer cli.Close()
//	res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "get_current_weather",
//		Arguments: map[string]any{"city": "London"}})
package mcp
