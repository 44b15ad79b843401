package main

import "time"

const defaultAPITimeout = 5 * time.Second

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Listen string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// HistoryFlags holds flags for the history command.
type HistoryFlags struct {
	Limit int
}
