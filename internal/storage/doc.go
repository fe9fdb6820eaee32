// Package storage defines the key/value contract shared by the local cache,
// the remote document store and the hybrid coordinator, together with the
// static table that decides how each key is laid out remotely.
//
// Values are opaque JSON. Save accepts anything encoding/json can marshal
// (a json.RawMessage is stored verbatim) and Load hands back the raw JSON, or
// nil when the key is absent. Use LoadAs to decode into a concrete type.
package storage
