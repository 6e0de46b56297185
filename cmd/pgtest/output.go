package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/jamesnunn/pgtest/internal/pgserver"
	"github.com/jamesnunn/pgtest/internal/ui"
)

// Output formats for `start --output`.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
	formatTOML = "toml"
)

// instanceInfo describes one running fixture to clients.
type instanceInfo struct {
	ID        string `json:"id" yaml:"id" toml:"id"`
	URL       string `json:"url" yaml:"url" toml:"url"`
	Host      string `json:"host" yaml:"host" toml:"host"`
	Port      int    `json:"port" yaml:"port" toml:"port"`
	User      string `json:"user" yaml:"user" toml:"user"`
	Database  string `json:"database" yaml:"database" toml:"database"`
	BaseDir   string `json:"base_dir" yaml:"base_dir" toml:"base_dir"`
	DataDir   string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	SocketDir string `json:"socket_dir,omitempty" yaml:"socket_dir,omitempty" toml:"socket_dir,omitempty"`
	LogFile   string `json:"log_file" yaml:"log_file" toml:"log_file"`
	PgCtl     string `json:"pg_ctl" yaml:"pg_ctl" toml:"pg_ctl"`
	NoCleanup bool   `json:"no_cleanup" yaml:"no_cleanup" toml:"no_cleanup"`
}

// startReport is the document printed by `start` once every server is ready.
type startReport struct {
	Instances []instanceInfo `json:"instances" yaml:"instances" toml:"instances"`
}

func describe(f *pgserver.Fixture) instanceInfo {
	p := f.Params()
	return instanceInfo{
		ID:        f.ID(),
		URL:       f.URL(),
		Host:      p.Host,
		Port:      p.Port,
		User:      p.User,
		Database:  p.Database,
		BaseDir:   f.BaseDir(),
		DataDir:   f.DataDir(),
		SocketDir: f.SocketDir(),
		LogFile:   f.LogFile(),
		PgCtl:     f.PgCtl(),
		NoCleanup: f.NoCleanup(),
	}
}

func validFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML, formatTOML:
		return nil
	}
	return fmt.Errorf("%w: output format %q (want %s, %s, %s or %s)",
		pgserver.ErrValidation, format, formatText, formatJSON, formatYAML, formatTOML)
}

// writeReport renders r in format.
func writeReport(w io.Writer, format string, r startReport) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case formatTOML:
		return toml.NewEncoder(w).Encode(r)
	default:
		var buf bytes.Buffer
		for i, inst := range r.Instances {
			if len(r.Instances) > 1 {
				fmt.Fprintf(&buf, "%s\n", ui.RenderKey(fmt.Sprintf("Instance %d", i+1)))
			}
			pairs := [][2]string{
				{"url", ui.RenderAccent(inst.URL)},
				{"port", strconv.Itoa(inst.Port)},
				{"data dir", inst.DataDir},
				{"log file", inst.LogFile},
			}
			if inst.SocketDir != "" {
				pairs = append(pairs, [2]string{"socket dir", inst.SocketDir})
			}
			buf.WriteString(ui.KV(pairs...))
		}
		_, err := w.Write(buf.Bytes())
		return err
	}
}

// dotenv returns libpq environment variables for the first instance plus a
// DATABASE_URL_<n> entry for each further instance.
func dotenv(r startReport) gotenv.Env {
	env := gotenv.Env{}
	if len(r.Instances) == 0 {
		return env
	}
	first := r.Instances[0]
	env["PGHOST"] = first.Host
	env["PGPORT"] = strconv.Itoa(first.Port)
	env["PGUSER"] = first.User
	env["PGDATABASE"] = first.Database
	env["DATABASE_URL"] = first.URL
	for i, inst := range r.Instances[1:] {
		env[fmt.Sprintf("DATABASE_URL_%d", i+2)] = inst.URL
	}
	return env
}

// writeEnvFile writes the dotenv file for r to path.
func writeEnvFile(path string, r startReport) error {
	if err := gotenv.Write(dotenv(r), path); err != nil {
		return fmt.Errorf("writing env file %s: %w", path, err)
	}
	return nil
}
