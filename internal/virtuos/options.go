package virtuos

// Options configures the remote interface connection.
type Options struct {
	LibPath     string
	ExePath     string // empty: attach to a running instance
	ProjectPath string
	CorbaIP     string
	CorbaPort   string
	CorbaServer string
}

func (o Options) withDefaults() Options {
	if o.CorbaIP == "" {
		o.CorbaIP = "127.0.0.1"
	}
	if o.CorbaPort == "" {
		o.CorbaPort = "54322"
	}
	if o.CorbaServer == "" {
		o.CorbaServer = "Visualization"
	}
	return o
}
