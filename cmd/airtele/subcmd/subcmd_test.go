package subcmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/airtele/internal/config"
	"github.com/temoto/airtele/log2"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *log2.Log, *config.Config) error { return nil }
	mods := []Mod{{Name: "run", Desc: "default", Main: noop}, {Name: "sample", Main: noop}}

	m, err := Parse("", mods)
	require.NoError(t, err)
	assert.Equal(t, "run", m.Name)
	m, err = Parse("sample", mods)
	require.NoError(t, err)
	assert.Equal(t, "sample", m.Name)
	_, err = Parse("fly", mods)
	assert.EqualError(t, err, "unknown command='fly'")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{Main: noop}}) })

	buf := bytes.NewBuffer(nil)
	Usage(buf, mods)
	assert.Equal(t, "commands:\n  run        default\n  sample     \n", buf.String())
}
