package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
	Interval   time.Duration
}

type StatusFlags struct {
	ConfigPath string
	Task       string
	JSON       bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type StopFlags struct {
	ConfigPath string
	Task       string
	Recursive  bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}
