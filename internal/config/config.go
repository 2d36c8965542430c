// Package config loads the gateway configuration from an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/internal/files"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/session"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration written as a string like "250ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Tool struct {
	// Binary is the child executable. A bare name is looked up in the working directory and its parents, then in PATH.
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`
	Dir    string   `toml:"dir"`
	Env    []string `toml:"env"`
}

type Session struct {
	SettleInterval Duration `toml:"settle_interval"`
	// Eager starts the child when the gateway starts instead of on the first request.
	Eager bool `toml:"eager"`
}

type OneShot struct {
	Timeout     Duration `toml:"timeout"`
	ExitCommand string   `toml:"exit_command"`
}

type Dashboard struct {
	DiskMap  string   `toml:"disk_map"`
	Interval Duration `toml:"interval"`
	Width    int      `toml:"width"`
}

type Config struct {
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`
	// LockFile, when set, prevents two gateways from running against the same tool.
	LockFile string `toml:"lock_file"`

	Tool      Tool      `toml:"tool"`
	Session   Session   `toml:"session"`
	OneShot   OneShot   `toml:"oneshot"`
	Dashboard Dashboard `toml:"dashboard"`
}

func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:5000",
		LogLevel:   "info",
		Tool: Tool{
			Binary: "fs_tool",
		},
		Session: Session{
			SettleInterval: Duration{session.DefaultSettleInterval},
		},
		OneShot: OneShot{
			Timeout:     Duration{session.DefaultOneShotTimeout},
			ExitCommand: session.DefaultExitCommand,
		},
		Dashboard: Dashboard{
			DiskMap:  "disk_map.txt",
			Interval: Duration{200 * time.Millisecond},
			Width:    30,
		},
	}
}

// Load reads the TOML file at path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must be set"))
	}
	if c.Tool.Binary == "" {
		errs = append(errs, errors.New("tool.binary must be set"))
	}
	if c.Session.SettleInterval.Duration <= 0 {
		errs = append(errs, errors.New("session.settle_interval must be positive"))
	}
	if c.OneShot.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("oneshot.timeout must be positive"))
	}
	if c.Dashboard.Interval.Duration <= 0 {
		errs = append(errs, errors.New("dashboard.interval must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Level() (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// toolDir returns the absolute working directory of the tool.
func (c Config) toolDir() (string, error) {
	if c.Tool.Dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(c.Tool.Dir)
}

// ResolveBinary returns the path of the tool executable.
// A relative path is taken relative to the tool's working directory, and the result is absolute
// whenever the tool was found.
// If it cannot be found the configured value is returned unchanged, so that spawning reports it as missing.
func (c Config) ResolveBinary() string {
	bin := c.Tool.Binary
	if filepath.IsAbs(bin) {
		return bin
	}
	dir, err := c.toolDir()
	if err != nil {
		return bin
	}
	if strings.ContainsRune(bin, os.PathSeparator) {
		return filepath.Join(dir, bin)
	}
	if p := files.FindUp(bin, dir); p != "" {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	if p, err := exec.LookPath(bin); err == nil {
		return p
	}
	return bin
}

// Command builds the command used to launch the tool.
func (c Config) Command() session.Command {
	dir := c.Tool.Dir
	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	return session.Command{
		Path: c.ResolveBinary(),
		Args: c.Tool.Args,
		Dir:  dir,
		Env:  c.Tool.Env,
	}
}
