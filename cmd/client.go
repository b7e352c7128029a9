package cmd

import (
	"os"

	"github.com/CefBoud/monpost/client"
	"github.com/CefBoud/monpost/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// clientFlags are the options every client command takes
type clientFlags struct {
	config   client.Config
	logLevel string
}

func bindClientOptions(v *viper.Viper, cmd *cobra.Command, extra ...Opt) *clientFlags {
	f := &clientFlags{config: client.DefaultConfig()}
	c := &f.config
	opts := []Opt{
		NewOpt(&c.DefaultBroker, "broker", c.DefaultBroker, "host:port of the broker asked for topic owners"),
		NewOpt(&c.PosterID, "poster", c.PosterID, "name posts are published under"),
		NewOpt(&c.Profile, "profile", c.Profile, "consumer profile owning the pointers and received posts"),
		NewOpt(&c.DataDir, "data-dir", c.DataDir, "directory of the consumer profiles"),
		NewOpt(&c.DialTimeout, "dial-timeout", c.DialTimeout, "broker connection timeout"),
		NewOpt(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "a pull ends once the broker stayed quiet that long"),
		NewOpt(&c.MaxRetryElapsed, "max-retry-elapsed", c.MaxRetryElapsed, "give up retrying after that long, 0 retries forever"),
		NewOpt(&c.CacheSize, "cache-size", c.CacheSize, "number of topic owners remembered"),
		NewOpt(&c.Compression, "compression", c.Compression, "packet codec: none, gzip, snappy, lz4 or zstd"),
		NewOpt(&f.logLevel, "log-level", logging.WARN, "trace, debug, info, warn or error"),
	}
	BindOptions(v, cmd, append(opts, extra...))
	return f
}

// clientConfig returns the parsed configuration with its logger
func (f *clientFlags) clientConfig() client.Config {
	config := f.config
	config.Logger = logging.New("monpost", f.logLevel, os.Stderr)
	return config
}
