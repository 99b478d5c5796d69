// Package protocol defines the routing envelope shared by clients, gateway
// instances and the broker:
//
//	{"channel": "<tag>", "data": <opaque>}
//
// The channel tag selects how data is decoded. Known tags:
//   - set_auth_token: gateway -> client, {"token": "...", "id": 3}
//   - send: client -> gateway and gateway -> gateway, {"target": 3, "payload": "..."}
//   - room: client -> gateway, opaque, handed to the room table
//
// Unknown tags are reported as ErrUnknownChannel so callers can drop them.
package protocol
