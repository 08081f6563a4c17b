package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath   = "PBS_GESTOR_CONF"
	defaultFileName = "pbs_gestor.toml"
	defaultDir      = "~/.config/pbs_gestor"
)

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ResolvePath picks the config file: the explicit path if given, then
// $PBS_GESTOR_CONF (a file, or a directory holding pbs_gestor.toml), then
// ~/.config/pbs_gestor/pbs_gestor.toml.
func ResolvePath(explicit string) (string, error) {
	p := explicit
	if p == "" {
		p = os.Getenv(EnvConfigPath)
	}
	if p == "" {
		p = filepath.Join(defaultDir, defaultFileName)
	}

	p, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand config path: %w", err)
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		p = filepath.Join(p, defaultFileName)
	}
	return p, nil
}

const defaultHeader = `# pbs-gestor configuration.
# Edit database.url and log.dir, then start pbs-gestor again.
# Durations use Go syntax ("500ms", "5s", "10m").

`

// WriteDefault writes the default configuration to path, creating parent
// directories. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write config file: %w", err)
	}
	return f.Close()
}

// AccountingDir reads PBS_HOME from a pbs.conf file and returns the
// accounting log directory beneath it.
func AccountingDir(pbsConf string) (string, error) {
	f, err := os.Open(pbsConf)
	if err != nil {
		return "", fmt.Errorf("read PBS configuration: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "PBS_HOME" {
			continue
		}
		home := strings.Trim(strings.TrimSpace(val), `"'`)
		if home == "" {
			break
		}
		return filepath.Join(home, "server_priv", "accounting"), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan %s: %w", pbsConf, err)
	}
	return "", fmt.Errorf("PBS_HOME not set in %s", pbsConf)
}
