// Support sub-commands in airtele application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"io"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/airtele/internal/config"
	"github.com/temoto/airtele/log2"
)

type Mod struct {
	Name string
	Desc string
	Main func(context.Context, *log2.Log, *config.Config) error
}

// Parse finds module by name, empty command selects first module.
func Parse(command string, modules []Mod) (*Mod, error) {
	if len(modules) == 0 {
		panic("code error subcmd.Parse empty modules")
	}
	if command == "" {
		return &modules[0], nil
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func Usage(w io.Writer, modules []Mod) {
	fmt.Fprintf(w, "commands:\n")
	for _, m := range modules {
		fmt.Fprintf(w, "  %-10s %s\n", m.Name, m.Desc)
	}
}

// SdNotify returns false when not running under systemd.
func SdNotify(s string) (bool, error) {
	ok, err := daemon.SdNotify(false, s)
	return ok, errors.Annotate(err, "sdnotify")
}
