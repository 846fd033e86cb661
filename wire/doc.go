// Package wire defines the JSON wire types exchanged between clients and the
// relay server, plus the shared error taxonomy.
//
// All types are transport-agnostic: the same shapes travel over HTTP request
// bodies and over the push websocket channel. Binary fields use base64
// (ciphertext, signatures, sealed keys) or hex (public keys, attachment IDs)
// encodings chosen to match the protocol described in the relay package.
//
// The MessageBody tagged union is the single place where plain text and
// attachment references are distinguished. Callers encode and decode bodies
// at the serialization boundary; nothing else in the system sniffs message
// content.
package wire
