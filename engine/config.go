package engine

// Config recognizes the engine inputs the state machine reads (§6). It is
// a plain struct rather than a loaded file: command-line parsing and
// configuration file loading are out of scope for this engine.
type Config struct {
	// Verbose enables diagnostic logging of Transient conditions.
	Verbose bool
	// Count requests hit counting; may be auto-downgraded to one-shot
	// counting once a second tracee thread appears (§4.3).
	Count bool
	// ForwardSignals forwards unrecognized tracee signals back to it.
	ForwardSignals bool
	// RunIgnored appends --ignored to the tracee's argv.
	RunIgnored bool
	// Varargs is appended to the tracee's argv after the engine's own flags.
	Varargs []string
}
