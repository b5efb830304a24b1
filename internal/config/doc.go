// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// A named network supplies the endpoint URL when endpoint.url is left empty.
package config
