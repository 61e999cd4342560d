package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// RunFlags holds flags for the run command. Empty values keep the config.
type RunFlags struct {
	ServerURL string
	Storage   string
	Cooldown  time.Duration
	Input     string // NDJSON events; "-" or empty reads stdin
}

// TrackFlags holds flags for the track command.
type TrackFlags struct {
	Storage string
}

// FlushFlags holds flags for the flush command.
type FlushFlags struct {
	ServerURL string
	Storage   string
	Wait      time.Duration
}

// InspectFlags holds flags for the inspect command.
type InspectFlags struct {
	Storage string
	JSON    bool
}

// CollectorFlags holds flags for the collector command.
type CollectorFlags struct {
	Listen   string
	DSN      string
	BasePath string
}

// QueryFlags holds flags for the query command.
type QueryFlags struct {
	CollectorURL string
	CACert       string
	Insecure     bool
	Type         string
	Limit        int
	CountOnly    bool
	JSON         bool
}
