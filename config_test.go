package ftps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    Config
		wantErr bool
	}{
		{
			name: "explicit tls with defaults",
			input: `
host = "ftp.example.com"
username = "user"
password = "secret"
security = "explicit-tls"
`,
			want: Config{
				Host:     "ftp.example.com",
				Username: "user",
				Password: "secret",
				Security: SecurityExplicitTLS,
				DataMode: DataModeEPSV,
			},
		},
		{
			name: "plain pasv unverified",
			input: `
host = "10.0.0.1"
port = 2121
security = "plain"
data_mode = "PASV"
tls_reject_unauthorized = false
`,
			want: Config{
				Host:               "10.0.0.1",
				Port:               2121,
				Security:           SecurityPlain,
				DataMode:           DataModePASV,
				InsecureSkipVerify: true,
			},
		},
		{
			name: "verification explicitly on",
			input: `
host = "h"
tls_reject_unauthorized = true
`,
			want: Config{Host: "h"},
		},
		{
			name:    "missing host",
			input:   `port = 21`,
			wantErr: true,
		},
		{
			name:    "unknown key",
			input:   "host = \"h\"\npasive = true\n",
			wantErr: true,
		},
		{
			name:    "unknown security mode",
			input:   "host = \"h\"\nsecurity = \"implicit\"\n",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "host = \"h\"\nport = 70000\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := ParseConfig([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ftps.toml")
	require.NoError(t, os.WriteFile(path, []byte("host = \"ftp.example.com\"\ndata_mode = \"pasv\"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com:21", cfg.Addr())
	assert.Equal(t, DataModePASV, cfg.DataMode)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Config{Host: "h"}.Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Host: "h", Port: -1}.Validate())
	assert.Error(t, Config{Host: "h", Security: SecurityMode(7)}.Validate())
	assert.Error(t, Config{Host: "h", DataMode: DataMode(7)}.Validate())
}

func TestModes_Text(t *testing.T) {
	t.Parallel()

	b, err := SecurityExplicitTLS.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "explicit-tls", string(b))

	var m SecurityMode
	require.NoError(t, m.UnmarshalText([]byte("FTPS")))
	assert.Equal(t, SecurityExplicitTLS, m)

	var d DataMode
	require.NoError(t, d.UnmarshalText([]byte("pasv")))
	assert.Equal(t, DataModePASV, d)
	assert.Error(t, d.UnmarshalText([]byte("port")))
	assert.Equal(t, "epsv", DataModeEPSV.String())
}
