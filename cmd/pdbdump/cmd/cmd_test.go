package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jtang613/mpdb/pkg/pdb"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "pdbdump.yaml", `
decode:
  tolerant: true
encode:
  entry_point: "0x06000002"
output:
  format: yaml
logging:
  level: debug
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, c.Decode.Tolerant)
	assert.False(t, c.Decode.CaseSensitive)
	assert.Equal(t, uint32(512), c.Encode.PageSize)
	assert.Equal(t, "yaml", c.Output.Format)

	level, err := c.level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	token, ok, err := c.entryPoint()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x06000002), token)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"format", "output:\n  format: xml\n", "unknown output format"},
		{"level", "logging:\n  level: loud\n", "invalid log level"},
		{"entry point", "encode:\n  entry_point: main\n", "invalid entry point"},
		{"syntax", "decode: [\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "bad.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWriteOutput(t *testing.T) {
	v := map[string]interface{}{"name": "<Main>b__0", "lines": []int{1, 2}}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, v, "json"))
	assert.Contains(t, buf.String(), `"<Main>b__0"`)
	var back map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "<Main>b__0", back["name"])

	assert.NotContains(t, buf.String(), `\u003c`)

	buf.Reset()
	require.NoError(t, writeOutput(&buf, v, "yaml"))
	assert.Contains(t, buf.String(), "lines:\n  - 1\n  - 2\n")
	assert.NotContains(t, buf.String(), `\u003c`)
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "<Main>b__0", back["name"])

	assert.Error(t, writeOutput(&buf, v, "xml"))
}

func testPDB(t *testing.T) string {
	t.Helper()
	src := &pdb.Source{Name: "Program.cs"}
	inst := &pdb.Instance{
		Age: 1,
		Modules: []*pdb.Module{{
			Name: "Program",
			Functions: []*pdb.Function{
				{
					Token:  0x06000001,
					Name:   "Main",
					Length: 8,
					Lines:  []pdb.Line{{Source: src, StartLine: 3, EndLine: 3, IsStatement: true}},
				},
				{Token: 0x06000002, Name: "<Lambda>b__0", Length: 4},
			},
		}},
	}
	path := filepath.Join(t.TempDir(), "app.pdb")
	require.NoError(t, pdb.Create(path, inst))
	return path
}

func withConfig(t *testing.T, c *Config) {
	t.Helper()
	oldCfg, oldLogger := cfg, logger
	cfg = c
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() { cfg, logger = oldCfg, oldLogger })
}

func TestRunDump(t *testing.T) {
	withConfig(t, DefaultConfig())
	path := testPDB(t)

	var buf bytes.Buffer
	require.NoError(t, runDump(&buf, path))
	assert.Contains(t, buf.String(), `"name": "<Lambda>b__0"`)

	var inst pdb.Instance
	require.NoError(t, json.Unmarshal(buf.Bytes(), &inst))
	require.Len(t, inst.Modules, 1)
	require.Len(t, inst.Modules[0].Functions, 2)
	assert.Equal(t, "Main", inst.Modules[0].Functions[0].Name)
	assert.Equal(t, "<Lambda>b__0", inst.Modules[0].Functions[1].Name)
	assert.Equal(t, "Program.cs", inst.Modules[0].Functions[0].Lines[0].Source.Name)
}

func TestRunInfo(t *testing.T) {
	c := DefaultConfig()
	c.Output.Format = "yaml"
	withConfig(t, c)
	path := testPDB(t)

	var buf bytes.Buffer
	require.NoError(t, runInfo(&buf, path, true))

	var got struct {
		Info struct {
			NamedStreams map[string]uint32 `yaml:"named_streams"`
		} `yaml:"info"`
		Modules []struct {
			Name        string   `yaml:"name"`
			SourceFiles []string `yaml:"source_files"`
		} `yaml:"modules"`
		Symbols []struct {
			Kind string `yaml:"kind"`
			Name string `yaml:"name"`
		} `yaml:"symbols"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, uint32(6), got.Info.NamedStreams["/names"])
	require.Len(t, got.Modules, 1)
	assert.Equal(t, []string{"Program.cs"}, got.Modules[0].SourceFiles)
	require.Len(t, got.Symbols, 4)
	assert.Equal(t, "S_PROCREF", got.Symbols[0].Kind)
	assert.Equal(t, "06000002", got.Symbols[3].Name)
}

func TestRunRewrite(t *testing.T) {
	c := DefaultConfig()
	c.Encode.PageSize = 4096
	c.Encode.EntryPoint = "0x06000001"
	withConfig(t, c)
	in := testPDB(t)
	out := filepath.Join(t.TempDir(), "out.pdb")

	var buf bytes.Buffer
	require.NoError(t, runRewrite(&buf, in, out))
	assert.Equal(t, "wrote "+out+": 1 modules, 2 functions\n", buf.String())

	f, err := pdb.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, uint32(4096), f.Info().PageSize)
	refs, err := f.Symbols()
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	assert.Equal(t, pdb.EntryPointName, refs[0].Name)
}

func TestRunDumpMissingFile(t *testing.T) {
	withConfig(t, DefaultConfig())
	err := runDump(io.Discard, filepath.Join(t.TempDir(), "nope.pdb"))
	require.Error(t, err)
}
