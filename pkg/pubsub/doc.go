// Package pubsub is a client for the JSON-RPC publish/subscribe stream that
// chain nodes expose on their subscription port.
//
// One connection carries any number of topics. Subscribe and unsubscribe
// acknowledgements are matched by request id, while notifications that arrive
// in the middle of such an exchange are queued and handed to the feed later in
// their original order.
//
// Messages carry no length prefix. A Codec either splits the byte stream on a
// delimiter byte or, with NoSeparator, finds message boundaries by tracking
// JSON nesting depth.
//
// Example:
//
//	c, err := pubsub.Dial(ctx, "127.0.0.1:18114")
//	if err != nil {
//	    return err
//	}
//	h, err := pubsub.Subscribe[json.RawMessage](ctx, c, "new_tip_header")
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//	for ev, err := range h.All(ctx) {
//	    if err != nil {
//	        log.Printf("skip: %v", err)
//	        continue
//	    }
//	    fmt.Println(ev.Topic, string(ev.Payload))
//	}
//
// A Handle is not safe for concurrent use. Notifications queued during
// Subscribe and Unsubscribe are kept in memory until the feed is read, so a
// caller that changes subscriptions often must keep draining the feed.
package pubsub
