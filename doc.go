// Package gnats provides a cluster-aware NATS publish/subscribe client.
//
// A Client keeps one live connection to one node of a NATS cluster. It learns
// the other nodes from the INFO updates the server sends, moves to another
// node when the current one fails, and replays its subscriptions there.
// Delivery is at most once.
//
// # Connecting
//
//	client, err := gnats.Dial(
//	    gnats.WithServers("nats://node1:4222", "nats://node2:4222"),
//	    gnats.WithName("orders"),
//	)
//	defer client.Close()
//
// A comma separated list works too:
//
//	client, err := gnats.Connect("nats://node1:4222,nats://node2:4222")
//
// Supported schemes are nats and tcp (TLS negotiated after INFO), tls (TLS
// required), ws and wss (WebSocket) and quic.
//
// # Authentication and TLS
//
// Credentials and TLS settings are closed sets of variants resolved once when
// the client is created:
//
//	gnats.WithCredentials(gnats.UserPass{User: "app", Password: "secret"})
//	gnats.WithCredentials(gnats.JWTCreds{CredsFile: "app.creds"})
//	gnats.WithTLS(gnats.FilesTLS{CAFile: "ca.pem"})
//
// # Subscriptions
//
//	sub, err := client.Subscribe("orders.*", func(msg *gnats.Msg) {
//	    fmt.Println(msg.Subject, string(msg.Data))
//	})
//
//	// One member of the group receives each message.
//	client.QueueSubscribe("jobs", "workers", handle)
//
// Each subscription delivers on its own goroutine, one message at a time.
// Subscriptions that share a subject and queue group share one server-side
// interest.
//
// # Lifecycle events
//
//	client.OnDisconnect(func(err error) { log.Println(err) })
//	client.OnReconnect(func(c *gnats.Client) { log.Println(c.ConnectedServer()) })
//	client.OnClose(func() { log.Println("closed") })
//
// Every event is also delivered to the OnEvent option as a typed error
// (*ConnectedEvent, *DisconnectError, *ReconnectEvent, ErrClosed) that can be
// inspected with errors.Is and errors.As.
package gnats
