// Package config loads and validates portetl run configuration.
//
// A configuration file is optional; command-line flags are applied on top of
// whatever the file provides. JSON and YAML are both accepted and chosen by
// file extension.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"portetl/internal/report"
	"portetl/internal/warehouse"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultWarehouseKind   = "bigquery"
	DefaultCredentialsFile = "./key.json"
	DefaultInputTable      = "world_port_index"
	DefaultMetricsBackend  = "none"
	DefaultFlushEvery      = 60 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// Config is one report run.
type Config struct {
	Report    string    `json:"report" yaml:"report"`
	Warehouse Warehouse `json:"warehouse" yaml:"warehouse"`
	Tables    Tables    `json:"tables" yaml:"tables"`
	Args      Args      `json:"args" yaml:"args"`

	// Load is a pointer so an explicit false survives defaulting.
	Load *bool `json:"load,omitempty" yaml:"load,omitempty"`

	Metrics Metrics `json:"metrics" yaml:"metrics"`
	Log     Log     `json:"log" yaml:"log"`
}

type Warehouse struct {
	// Kind: "bigquery" | "postgres" | "mssql" | "sqlite"
	Kind            string `json:"kind" yaml:"kind"`
	Project         string `json:"project" yaml:"project"`
	Dataset         string `json:"dataset" yaml:"dataset"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	DSN             string `json:"dsn" yaml:"dsn"`
	Location        string `json:"location" yaml:"location"`
}

type Tables struct {
	Input string `json:"input" yaml:"input"`
	// Output is the base name; each run appends a timestamp suffix.
	Output string `json:"output" yaml:"output"`
}

type Args struct {
	PortName  string   `json:"port_name,omitempty" yaml:"port_name,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
}

type Metrics struct {
	// Backend: "none" | "datadog"
	Backend    string   `json:"backend" yaml:"backend"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	FlushEvery string   `json:"flush_every,omitempty" yaml:"flush_every,omitempty"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Decode parses data as YAML when path ends in .yaml or .yml and as JSON
// otherwise. Unknown fields are rejected in both formats.
func Decode(path string, data []byte) (Config, error) {
	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	return c, nil
}

// ApplyDefaults fills unset fields. The output base is left empty: the job
// falls back to the report's own base name.
func (c *Config) ApplyDefaults() {
	if c.Warehouse.Kind == "" {
		c.Warehouse.Kind = DefaultWarehouseKind
	}
	if c.Warehouse.Kind == DefaultWarehouseKind && c.Warehouse.CredentialsFile == "" {
		c.Warehouse.CredentialsFile = DefaultCredentialsFile
	}
	if c.Tables.Input == "" {
		c.Tables.Input = DefaultInputTable
	}
	if c.Load == nil {
		t := true
		c.Load = &t
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = DefaultMetricsBackend
	}
	if c.Metrics.FlushEvery == "" {
		c.Metrics.FlushEvery = DefaultFlushEvery.String()
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// ExpandEnv substitutes ${VAR} references in the connection settings so that
// secrets can stay out of config files.
func (c *Config) ExpandEnv() {
	c.Warehouse.DSN = os.ExpandEnv(c.Warehouse.DSN)
	c.Warehouse.CredentialsFile = os.ExpandEnv(c.Warehouse.CredentialsFile)
}

// ResolveProject fills an empty BigQuery project from the project_id field of
// the service-account key file. Other kinds are left untouched.
func (c *Config) ResolveProject(readFile func(string) ([]byte, error)) error {
	if c.Warehouse.Kind != DefaultWarehouseKind || c.Warehouse.Project != "" {
		return nil
	}
	if c.Warehouse.CredentialsFile == "" {
		return nil
	}
	b, err := readFile(c.Warehouse.CredentialsFile)
	if err != nil {
		return fmt.Errorf("read credentials %s: %w", c.Warehouse.CredentialsFile, err)
	}
	var key struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &key); err != nil {
		return fmt.Errorf("parse credentials %s: %w", c.Warehouse.CredentialsFile, err)
	}
	c.Warehouse.Project = key.ProjectID
	return nil
}

// LoadEnabled reports whether runs write the output table.
func (c Config) LoadEnabled() bool { return c.Load == nil || *c.Load }

// FlushInterval parses Metrics.FlushEvery, defaulting when empty.
func (c Config) FlushInterval() (time.Duration, error) {
	if c.Metrics.FlushEvery == "" {
		return DefaultFlushEvery, nil
	}
	return time.ParseDuration(c.Metrics.FlushEvery)
}

// WarehouseConfig is the subset handed to warehouse.Open.
func (c Config) WarehouseConfig() warehouse.Config {
	return warehouse.Config{
		Kind:            c.Warehouse.Kind,
		Project:         c.Warehouse.Project,
		Dataset:         c.Warehouse.Dataset,
		CredentialsFile: c.Warehouse.CredentialsFile,
		DSN:             c.Warehouse.DSN,
		Location:        c.Warehouse.Location,
	}
}

// InputRef is the fully qualified source table.
func (c Config) InputRef() warehouse.TableRef {
	return warehouse.TableRef{Project: c.Warehouse.Project, Dataset: c.Warehouse.Dataset, Table: c.Tables.Input}
}

// OutputRef is the output base reference; Table may be empty.
func (c Config) OutputRef() warehouse.TableRef {
	return warehouse.TableRef{Project: c.Warehouse.Project, Dataset: c.Warehouse.Dataset, Table: c.Tables.Output}
}

// ReportArgs converts Args for report.Report.Descriptor.
func (c Config) ReportArgs() report.Args {
	return report.Args{
		PortName:  c.Args.PortName,
		Latitude:  c.Args.Latitude,
		Longitude: c.Args.Longitude,
	}
}
