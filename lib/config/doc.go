// Package config loads the node configuration with viper.
//
// Values come from, in increasing precedence: the defaults in defaults.go, the
// YAML file ($HOME/.go-shield/config.yaml unless --config is given) and
// GO_SHIELD_* environment variables, where the key's dots become underscores
// (GO_SHIELD_SERVER_LISTEN). The file is created from the defaults the first
// time the node starts without one.
package config
