// Package config loads, normalizes, and validates the emworker
// configuration file and maps coordinator environment overrides
// (EMHUB_SERVER_URL, EMHUB_USER, EMHUB_PASSWORD, SESSIONS_DATA_FOLDER)
// onto it.
package config
