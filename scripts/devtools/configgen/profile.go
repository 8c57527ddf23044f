package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	graderService = "grader-service"
	cliService    = "cli"
)

// Profile describes one developer environment. Each service config is its
// base file with overrides merged on top.
type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Auth      AuthProfile               `yaml:"auth"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

type AuthProfile struct {
	JWTSecret     string   `yaml:"jwtSecret"`
	JWTIssuer     string   `yaml:"jwtIssuer"`
	ElevatedRoles []string `yaml:"elevatedRoles"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

// Output is one generated config file.
type Output struct {
	Service string
	Path    string
	Config  map[string]interface{}
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

// generate merges every service config in name order. The grader config is
// built first so the cli can point at its listen address.
func generate(profile *Profile, profileDir string) ([]Output, error) {
	names := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	built := make(map[string]map[string]interface{}, len(names))
	outputs := make([]Output, 0, len(names))
	for _, name := range names {
		svc := profile.Services[name]
		if svc.Base == "" {
			return nil, fmt.Errorf("service %q missing base config", name)
		}
		if !filepath.IsAbs(svc.Base) {
			svc.Base = filepath.Join(profileDir, svc.Base)
		}
		cfg, err := loadYAML(svc.Base)
		if err != nil {
			return nil, fmt.Errorf("load base config for %q failed: %w", name, err)
		}
		if len(svc.Overrides) > 0 {
			override, ok := normalizeValue(svc.Overrides).(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("overrides for %q are not a map", name)
			}
			cfg = mergeMap(cfg, override)
		}
		if name == graderService {
			applySharedAuth(profile.Auth, cfg)
		}
		built[name] = cfg

		outputPath, err := resolveOutputPath(profile.OutputDir, svc)
		if err != nil {
			return nil, fmt.Errorf("resolve output path for %q failed: %w", name, err)
		}
		outputs = append(outputs, Output{Service: name, Path: outputPath, Config: cfg})
	}

	if cli, ok := built[cliService]; ok {
		if grader, ok := built[graderService]; ok {
			linkCLI(cli, grader, profile.Services[cliService].Overrides)
		}
	}
	return outputs, nil
}

func loadYAML(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	if value == nil {
		return map[string]interface{}{}, nil
	}
	root, ok := normalizeValue(value).(map[string]interface{})
	if !ok {
		return nil, errors.New("config is not a map")
	}
	return root, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir string, svc ServiceProfile) (string, error) {
	output := svc.Output
	if output == "" {
		output = filepath.Base(svc.Base)
	}
	if output == "" || output == "." {
		return "", errors.New("output path is empty")
	}
	if filepath.IsAbs(output) {
		return output, nil
	}
	return filepath.Join(outputDir, output), nil
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap merges override into base. Nested maps merge; anything else is
// replaced.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, overrideValue := range override {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[key] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[key] = overrideValue
	}
	return merged
}

func applySharedAuth(auth AuthProfile, cfg map[string]interface{}) {
	if auth.JWTSecret == "" && auth.JWTIssuer == "" && len(auth.ElevatedRoles) == 0 {
		return
	}
	section, ok := cfg["auth"].(map[string]interface{})
	if !ok {
		section = map[string]interface{}{}
		cfg["auth"] = section
	}
	if auth.JWTSecret != "" {
		section["jwtSecret"] = auth.JWTSecret
	}
	if auth.JWTIssuer != "" {
		section["jwtIssuer"] = auth.JWTIssuer
	}
	if len(auth.ElevatedRoles) > 0 {
		roles := make([]interface{}, 0, len(auth.ElevatedRoles))
		for _, r := range auth.ElevatedRoles {
			roles = append(roles, r)
		}
		section["elevatedRoles"] = roles
	}
}

// linkCLI points the cli at the grader's listen address unless the profile
// pins a baseURL.
func linkCLI(cli, grader map[string]interface{}, overrides map[string]interface{}) {
	if _, pinned := overrides["baseURL"]; pinned {
		return
	}
	server, ok := grader["server"].(map[string]interface{})
	if !ok {
		return
	}
	addr, ok := server["addr"].(string)
	if !ok || addr == "" {
		return
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	cli["baseURL"] = "http://" + net.JoinHostPort(host, port)
}
