package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variable of every option
const EnvPrefix = "MONPOST"

// Opt is a single command-line option
type Opt struct {
	DestP   interface{} // pointer to the destination
	Flag    string
	Default interface{}
	Desc    string
}

// NewOpt creates a new command line option.
func NewOpt(destP interface{}, flag string, dflt interface{}, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// newViper returns a viper reading MONPOST_* variables, "-" becoming "_"
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// BindOptions adds opts to the flags of cmd and registers them with v, so an
// option is read from its flag, then its environment variable, then its default.
// Each command gets its own viper: subcommands share flag names.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) {
	flags := cmd.Flags()
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, flags)
			*destP = v.GetString(o.Flag)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, flags)
			*destP = v.GetInt(o.Flag)
		case *int64:
			var d int64
			if o.Default != nil {
				d = o.Default.(int64)
			}
			flags.Int64Var(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, flags)
			*destP = v.GetInt64(o.Flag)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, flags)
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, flags)
			*destP = v.GetDuration(o.Flag)
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			flags.StringSliceVar(destP, o.Flag, d, o.Desc)
			mustBindPFlag(v, o.Flag, flags)
			*destP = v.GetStringSlice(o.Flag)
		default:
			panic(fmt.Errorf("unknown destination type %T", o.DestP))
		}
	}
}

func mustBindPFlag(v *viper.Viper, key string, flags *pflag.FlagSet) {
	if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
		panic(err)
	}
}
