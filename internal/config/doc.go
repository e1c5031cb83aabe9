// Package config provides centralized configuration management for the
// career copilot daemon: a JSON configuration file with defaults and
// validation, plus a YAML roster of remote agents to register at startup.
package config
