// Package wire implements the text framing used between the sync client and
// its long-poll server.
//
// A batch is a concatenation of frames. Every frame starts with the decimal
// byte length of its body followed by '|':
//
//	len|body
//
// Client to server bodies carry the session id and a request id:
//
//	session|requestId|type|payload
//
// Server to client bodies carry only the type:
//
//	type|payload
//
// # Payload Encoding
//
// The payload is a JSON object. Every key is prefixed with a one-letter tag
// describing how the value must be interpreted:
//
//	s  string
//	f  float
//	i  integer
//	b  boolean
//	d  date, milliseconds since the Unix epoch
//	n  null
//	u  undefined, the value is ignored
//	o  object or array, plain JSON
//
// Unknown tags decode as Undefined. Date, float and integer fields also
// accept numeric strings.
//
// # Malformed Input
//
// Batch decoding stops at the first malformed frame. The messages decoded
// before it are returned together with an error wrapping ErrMalformedFrame.
package wire
