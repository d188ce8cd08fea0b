// Package audit buffers security events and hands them to a Sink off the
// request path.
//
// The package decides nothing about which events exist; the engine emits
// them from its flow observer and token operations. Events never carry
// credentials, codes or tokens.
package audit
