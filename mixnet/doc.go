/*
Package mixnet talks to a local Nym native client over its websocket API.

The relay never touches mixnet routing or encryption. It only exchanges
framed control and data messages with the Nym client process:

	ClientRequest                  ServerResponse
	-------------                  --------------
	SendRequest{recipient, msg}    Received{msg, reply_surb?}
	SelfAddressRequest{}           SelfAddress{address}
	                               ErrorResponse{kind, msg}

# Binary protocol

Lengths are big-endian uint64.

	send:          0x00 | with_reply_surb | recipient(96) | len | message
	self address:  0x02

	received:      0x00 | has_surb | [len | surb] | len | message
	self address:  0x01 | recipient(96)
	error:         0x02 | kind | len | message

# Text protocol

Text frames normally carry the binary serialization above. A text frame
starting with '{' is read as a JSON object with a "type" field ("send",
"selfAddress", "received", "error") and base64 message bodies.

Both frame kinds are accepted on receive; Conn sends binary frames unless
Config.TextFrames is set.
*/
package mixnet
