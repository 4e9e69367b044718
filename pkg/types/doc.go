// Package types is the foundation of halvor's domain model: endpoints,
// privilege material, peer records, and join tokens. Every other
// package depends on types; types depends on nothing in this module.
package types
