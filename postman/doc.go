// Package postman defines the per-destination delivery capability: a Postman
// turns an ingested mail into a destination-typed message and hands it to
// the external system. Postmen are registered per channel in an explicit
// Registry and resolved by exact key at delivery time.
package postman
