//go:build !(linux || darwin || freebsd)

package tcp

// Probe falls back to the local close flag where socket polling is unavailable.
func (c *Conn) Probe() bool { return !c.closed.Load() }
