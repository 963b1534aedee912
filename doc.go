// Package actingdoll exposes the Go APIs behind the avatar control plane: a
// WebSocket controller that lets tool callers (MCP agents, the operator
// console) drive browser-resident Live2D render clients. The binary runs the
// controller; the package also makes it easy to embed the server in tests or
// other programs.
//
// # Running a server
//
//	cfg := actingdoll.Config{
//	    Listen:      "127.0.0.1:8765",
//	    ModelDir:    "/srv/models",
//	    RequireAuth: true,
//	    AuthToken:   os.Getenv("ACTINGDOLL_AUTH_TOKEN"),
//	}
//	srv, stop, err := actingdoll.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Peers connect over a plain WebSocket and exchange JSON envelopes. Every
// connection becomes a session addressed by its peer ip:port; render clients
// identify themselves with the identify directive and can then be driven by
// any tool caller through set_* and get_* commands.
//
// # Client SDK
//
// The Go client (github.com/CodeneAria/actingdoll/client) wraps the socket
// protocol with correlated calls and a bounded timeout. The MCP facade
// (github.com/CodeneAria/actingdoll/mcp) builds its tool surface on it.
package actingdoll
