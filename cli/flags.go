package cli

import (
	"flag"
	"time"
)

type Flags interface {
	StringVar(*string, string, string, string)
	IntVar(*int, string, int, string)
	BoolVar(*bool, string, bool, string)
	DurationVar(*time.Duration, string, time.Duration, string)
}

// StdFlags registers on Set, or the process-wide flag.CommandLine when Set
// is nil.
type StdFlags struct {
	Set *flag.FlagSet
}

func (f *StdFlags) set() *flag.FlagSet {
	if f.Set == nil {
		return flag.CommandLine
	}
	return f.Set
}

func (f *StdFlags) StringVar(p *string, name string, defaultValue string, help string) {
	f.set().StringVar(p, name, defaultValue, help)
}

func (f *StdFlags) IntVar(p *int, name string, defaultValue int, help string) {
	f.set().IntVar(p, name, defaultValue, help)
}

func (f *StdFlags) BoolVar(p *bool, name string, defaultValue bool, help string) {
	f.set().BoolVar(p, name, defaultValue, help)
}

func (f *StdFlags) DurationVar(p *time.Duration, name string, defaultValue time.Duration, help string) {
	f.set().DurationVar(p, name, defaultValue, help)
}
