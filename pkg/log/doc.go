// Package log wraps zerolog with halvor's conventions: a global logger
// initialized once via Init, and context loggers scoped to a
// component (WithComponent) or a peer hostname (WithPeer).
package log
