package flags

import (
	"testing"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range optionalFlags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names are unique, to avoid accidental conflicts between the many flags.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		name := flag.Names()[0]
		if _, ok := seenCLI[name]; ok {
			t.Errorf("duplicate flag %s", name)
			continue
		}
		seenCLI[name] = struct{}{}
	}
}

func TestEnvVarFormat(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			envFlags := envFlagGetter.GetEnvVars()
			require.Equal(t, 1, len(envFlags), "flags should have exactly one env var")
			require.Equal(t, opservice.FlagNameToEnvVarName(flagName, EnvVarPrefix), envFlags[0])
		})
	}
}

func TestCheckRequired(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "defaults", args: []string{"app"}},
		{name: "best effort", args: []string{"app", "--verdict-policy", "best-effort"}},
		{name: "skips", args: []string{"app", "--skip", "2", "--skip", "3"}},
		{name: "bad policy", args: []string{"app", "--verdict-policy", "lenient"}, wantErr: "invalid verdict policy"},
		{name: "zero step", args: []string{"app", "--skip", "0"}, wantErr: "invalid step number 0"},
		{name: "no retries", args: []string{"app", "--max-retries", "0"}, wantErr: "max-retries"},
		{name: "no stop timeout", args: []string{"app", "--stop-timeout", "0s"}, wantErr: "stop-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &cli.App{
				Flags:  Flags,
				Action: CheckRequired,
			}
			err := app.Run(tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvVarDefaults(t *testing.T) {
	t.Setenv("CAPSYS_BENCH_DB_HOST", "10.1.2.3")
	t.Setenv("CAPSYS_BENCH_SKIP", "2,4")
	app := &cli.App{
		Flags: Flags,
		Action: func(ctx *cli.Context) error {
			assert.Equal(t, "10.1.2.3", ctx.String(DBHost.Name))
			assert.Equal(t, []int{2, 4}, ctx.IntSlice(Skip.Name))
			assert.Equal(t, "capsys_db_bdt", ctx.String(DBName.Name))
			return nil
		},
	}
	require.NoError(t, app.Run([]string{"app"}))
}
