// Package relay implements the NFC event relay: the connection registry, the
// relay core that stamps and fans out submitted tag events, the
// acknowledgment frames and the websocket transport that feeds them.
//
// # Data flow
//
//	scanner ──nfcData──▶ Server.readPump ──▶ Relay.Submit
//	                                           │
//	                   ┌───────────────────────┼──────────────────────┐
//	                   ▼                       ▼                      ▼
//	           nfcDataReceived          nfcDataReceived          nfcDataAck
//	           (every member or         (...)                    (source only)
//	            every other member)
//
// # Fan-out
//
// FanoutAll includes the submitting connection in the broadcast, FanoutOthers
// excludes it. Both are valid deployments.
//
// # Failure model
//
// Every failure is connection-local. A dead recipient is skipped, an ack to a
// vanished source is dropped and a connection is unregistered exactly once no
// matter how many close signals arrive.
package relay
