// Package config loads bridge configuration with viper: built-in defaults,
// an optional JSON, YAML or TOML file, then INTELBRIDGE_* environment
// variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/intelbridge.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
