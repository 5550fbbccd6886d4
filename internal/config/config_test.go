package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
[[queue]]
name = "a"
command = "/bin/worker"
args = ["--queue", "a"]
count = 2

[[queue]]
name = "b"
command = "/bin/worker"
keepalive = true
`

func TestReadDecodesQueues(t *testing.T) {
	cfg, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, cfg.Queues, 2)

	require.Equal(t, "a", cfg.Queues[0].Name)
	require.Equal(t, []string{"--queue", "a"}, cfg.Queues[0].Args)
	require.Equal(t, 2, cfg.Queues[0].Count)
	require.False(t, cfg.Queues[0].Keepalive)

	require.Equal(t, "b", cfg.Queues[1].Name)
	require.Equal(t, 1, cfg.Queues[1].Count, "count defaults to 1")
	require.True(t, cfg.Queues[1].Keepalive)
}

func TestReadRejectsMalformedTOML(t *testing.T) {
	_, err := Read(strings.NewReader("this is not toml {{{"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	empty := &Config{}
	require.Error(t, empty.Validate())

	dup := &Config{Queues: []QueueSpec{
		{Name: "a", Command: "x"},
		{Name: "a", Command: "y"},
	}}
	require.Error(t, dup.Validate())

	noCommand := &Config{Queues: []QueueSpec{{Name: "a"}}}
	require.Error(t, noCommand.Validate())
}
