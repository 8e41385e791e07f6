// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the HTTP transport for the remote chat-completion
// service and the decoder for its incremental response stream.
//
// # Key Types
//
//   - Client: Pooled HTTP client that opens streaming chat completions
//   - ChatRequest: Outbound request body, optional parameters omitted when unset
//   - Decoder: Lazy sequence of content fragments read from an SSE-style body
//   - ProtocolError: Non-2xx response with the body kept as diagnostic text
//   - TransportError: Connection or read failure
//
// # Usage
//
//	client := cloud.NewClient(cloud.DefaultEndpoint, apiKey)
//	req := cloud.NewChatRequest(modelName, messages, settings)
//	dec, err := client.OpenStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer dec.Close()
//	for dec.Next() {
//	    fmt.Print(dec.Fragment())
//	}
//	return dec.Err()
//
// # Security
//
// The API key is never logged. Request logs carry only method, path, status
// and duration. All requests use TLS 1.2+.
package cloud
